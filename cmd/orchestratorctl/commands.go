package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

func cmdSubmitJob(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("submit-job", flag.ContinueOnError)
	priority := fs.Int("priority", 0, "job priority")
	vars := fs.String("vars", "{}", "job variables, as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("submit-job requires a workflow_id")
	}

	var variables map[string]any
	if err := json.Unmarshal([]byte(*vars), &variables); err != nil {
		return fmt.Errorf("parse --vars: %w", err)
	}

	body := map[string]any{
		"workflow_id": fs.Arg(0),
		"priority":    *priority,
		"variables":   variables,
	}
	raw, err := c.do(ctx, http.MethodPost, "/v1/jobs/", nil, body)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdGetJob(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 1 {
		return errors.New("get-job requires a job_id")
	}
	raw, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+args[0], nil, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdCancelJob(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 1 {
		return errors.New("cancel-job requires a job_id")
	}
	body := map[string]any{}
	if len(args) > 1 {
		body["reason"] = args[1]
	}
	raw, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+args[0]+"/cancel", nil, body)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdListJobs(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	status := fs.String("status", "", "filter by job status")
	limit := fs.Int("limit", 0, "max results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := url.Values{}
	if *status != "" {
		query.Set("status", *status)
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	raw, err := c.do(ctx, http.MethodGet, "/v1/jobs/", query, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdListRobots(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("list-robots", flag.ContinueOnError)
	status := fs.String("status", "", "filter by robot status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := url.Values{}
	if *status != "" {
		query.Set("status", *status)
	}
	raw, err := c.do(ctx, http.MethodGet, "/v1/robots/", query, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func cmdReadAuditRange(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return errors.New("read-audit-range requires start_id and end_id")
	}
	query := url.Values{"start_id": {args[0]}, "end_id": {args[1]}}
	raw, err := c.do(ctx, http.MethodGet, "/v1/audit", query, nil)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func printJSON(raw []byte) error {
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err == nil {
		encoded, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(encoded))
		return nil
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		encoded, _ := json.MarshalIndent(arr, "", "  ")
		fmt.Println(string(encoded))
		return nil
	}
	fmt.Println(string(raw))
	return nil
}
