package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/sitestream/internal/api"
	"github.com/rickgao/sitestream/internal/source"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitCommandError = 2
)

const usage = `sitestreamctl - sitestream admin client

Usage:
  sitestreamctl [-addr URL] [-o text|json|yaml] <command> [flags] [args]

Commands:
  health        Show pool health
  runners       List runners
  subs          List managed subscription IDs
  add ID...     Add subscription IDs
  consolidate   Merge underfull runners
`

type globals struct {
	addr    string
	token   string
	output  string
	timeout time.Duration
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sitestreamctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	var g globals
	fs.StringVar(&g.addr, "addr", "http://localhost:9090", "admin server URL")
	fs.StringVar(&g.token, "token", "", "bearer token")
	fs.StringVar(&g.output, "o", "text", "output format: text, json or yaml")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return exitCommandError
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitCommandError
	}
	switch g.output {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(stderr, "Error: unknown output format %q\n", g.output)
		return exitCommandError
	}

	client := api.NewClient(g.addr, g.token, api.WithTimeout(g.timeout), api.WithRetries(2, 500*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 3*g.timeout)
	defer cancel()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "health":
		err = runHealth(ctx, client, g, stdout)
	case "runners":
		err = runRunners(ctx, client, g, cmdArgs, stdout, stderr)
	case "subs":
		err = runSubs(ctx, client, g, stdout)
	case "add":
		err = runAdd(ctx, client, g, cmdArgs, stdout, stderr)
	case "consolidate":
		err = client.Consolidate(ctx)
		if err == nil {
			fmt.Fprintln(stdout, "consolidation started")
		}
	case "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmd)
		fs.Usage()
		return exitCommandError
	}

	var cmdErr commandError
	switch {
	case errors.As(err, &cmdErr):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCommandError
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// commandError is a usage mistake rather than a server failure.
type commandError struct{ msg string }

func (e commandError) Error() string { return e.msg }

func runHealth(ctx context.Context, c *api.Client, g globals, stdout io.Writer) error {
	resp, err := c.Health(ctx)
	if resp == nil {
		return err
	}
	if g.output != "text" {
		if werr := encode(stdout, g.output, resp); werr != nil {
			return werr
		}
		return err
	}

	fmt.Fprintf(stdout, "status:  %s\n", resp.Status)
	fmt.Fprintf(stdout, "version: %s\n", resp.Version)
	if pool, perr := resp.Pool(); perr == nil {
		fmt.Fprintf(stdout, "runners: %d (healthy %d, unhealthy %d, nonfull %d)\n",
			pool.Runners, pool.Healthy, pool.Unhealthy, pool.Nonfull)
		fmt.Fprintf(stdout, "subscriptions: %d\n", pool.Subscriptions)
	}
	return err
}

func runRunners(ctx context.Context, c *api.Client, g globals, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("runners", flag.ContinueOnError)
	fs.SetOutput(stderr)
	unhealthy := fs.Bool("unhealthy", false, "only unhealthy runners")
	if err := fs.Parse(args); err != nil {
		return commandError{err.Error()}
	}

	var filter *bool
	if *unhealthy {
		f := false
		filter = &f
	}
	resp, err := c.Runners(ctx, filter)
	if err != nil {
		return err
	}
	if g.output != "text" {
		return encode(stdout, g.output, resp)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSUBS\tHEALTHY\tERRORS\tLAST ERROR")
	for _, r := range resp.Runners {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%d/%d\t%s\n",
			r.ID, r.State, r.Subscriptions, r.Healthy, r.ErrorCount, r.RetryLimit, r.LastError)
	}
	return tw.Flush()
}

func runSubs(ctx context.Context, c *api.Client, g globals, stdout io.Writer) error {
	ids, err := c.Subscriptions(ctx)
	if err != nil {
		return err
	}
	if g.output != "text" {
		return encode(stdout, g.output, map[string]any{"count": len(ids), "ids": ids})
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return nil
}

func runAdd(ctx context.Context, c *api.Client, g globals, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	idle := fs.Bool("idle", false, "add without starting the new runners")
	if err := fs.Parse(args); err != nil {
		return commandError{err.Error()}
	}
	if fs.NArg() == 0 {
		return commandError{"add needs at least one ID"}
	}

	ids, err := source.Parse(strings.NewReader(strings.Join(fs.Args(), " ")))
	if err != nil {
		return commandError{err.Error()}
	}

	added, err := c.AddSubscriptions(ctx, ids, !*idle)
	if err != nil {
		return err
	}
	if g.output != "text" {
		return encode(stdout, g.output, map[string]int{"requested": len(ids), "added": added})
	}
	fmt.Fprintf(stdout, "added %d of %d\n", added, len(ids))
	return nil
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so json tags and raw components apply.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
