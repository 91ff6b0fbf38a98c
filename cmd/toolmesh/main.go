// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main is the toolmesh command-line client. It sends one tool
// call to a running daemon and prints the result, so operators can
// exercise providers without writing code:
//
//	toolmesh compound_lookup name=aspirin
//	toolmesh -category gene_lookup gene_lookup symbol=BRCA1
//	toolmesh -ops
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/axiombio/toolmesh/sdk/toolmesh"
)

func main() {
	addr := flag.String("addr", defaultAddr(), "Daemon base URL")
	category := flag.String("category", "", "Feedback category for routing")
	callerID := flag.String("caller", "toolmesh-cli", "Caller ID sent with the request")
	timeout := flag.Duration("timeout", 60*time.Second, "Overall request timeout")
	listOps := flag.Bool("ops", false, "List routable operations and exit")
	flag.Parse()

	client := toolmesh.New(*addr, toolmesh.WithCallerID(*callerID))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *listOps {
		ops, err := client.Operations(ctx)
		if err != nil {
			fail(err)
		}
		for _, op := range ops {
			fmt.Println(op)
		}
		return
	}

	positional := flag.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "usage: toolmesh [flags] <operation> [key=value ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	args, err := parseArgs(positional[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolmesh: %v\n", err)
		os.Exit(2)
	}

	res, err := client.Execute(ctx, toolmesh.Request{
		Operation: positional[0],
		Args:      args,
		Category:  *category,
	})
	if err != nil {
		fail(err)
	}

	pretty, err := json.MarshalIndent(json.RawMessage(res.Payload), "", "  ")
	if err != nil {
		pretty = res.Payload
	}
	fmt.Println(string(pretty))
	fmt.Fprintf(os.Stderr, "provider=%s source=%s latency=%dms category=%s\n",
		res.Provider, res.Source, res.Feedback.LatencyMS, res.Feedback.Category)
}

func defaultAddr() string {
	if v := strings.TrimSpace(os.Getenv("TOOLMESH_ADDR")); v != "" {
		return v
	}
	return "http://127.0.0.1:8317"
}

// parseArgs turns key=value pairs into an args map. Values that parse
// as JSON keep their type, anything else stays a string, so dose=2.5
// arrives as a number and name=aspirin as a string.
func parseArgs(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			args[key] = typed
		} else {
			args[key] = value
		}
	}
	return args, nil
}

// fail prints the error and exits nonzero, with the attempt trail when
// the daemon classified the failure.
func fail(err error) {
	var apiErr *toolmesh.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "toolmesh: %s: %s\n", apiErr.Kind, apiErr.Message)
		for _, a := range apiErr.Attempts {
			fmt.Fprintf(os.Stderr, "  %s: %s (%s)\n", a.Provider, a.Reason, a.Kind)
		}
	} else {
		fmt.Fprintf(os.Stderr, "toolmesh: %v\n", err)
	}
	os.Exit(1)
}
