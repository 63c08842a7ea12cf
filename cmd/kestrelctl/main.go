// kestrelctl is the operator CLI for a running Kestrel kernel.
//
// Usage:
//
//	kestrelctl status                       # System status
//	kestrelctl processes [-state running]   # List processes
//	kestrelctl quota                        # Default quota
//	kestrelctl watch [topic ...]            # Stream kernel events
//	kestrelctl validate <pipeline.yaml>     # Validate a pipeline file
//
// The kernel address defaults to :7433; override with -addr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kestrelflow/kestrel/config"
	"github.com/kestrelflow/kestrel/envelope"
	"github.com/kestrelflow/kestrel/kernel"
	"github.com/kestrelflow/kestrel/wire"
)

const callTimeout = 10 * time.Second

type quietLogger struct{}

func (quietLogger) Debug(msg string, keysAndValues ...any) {}
func (quietLogger) Info(msg string, keysAndValues ...any)  {}
func (quietLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}
func (quietLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	global := flag.NewFlagSet("kestrelctl", flag.ExitOnError)
	global.Usage = printUsage
	addr := global.String("addr", ":7433", "kernel address (host:port)")
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	args = args[1:]

	// validate is local, no connection needed
	if cmd == "validate" {
		handleValidate(args)
		return
	}

	client, err := wire.Dial(*addr, quietLogger{})
	if err != nil {
		fatalf("connect to %s: %v", *addr, err)
	}
	defer client.Close()

	switch cmd {
	case "status":
		handleStatus(client)
	case "processes":
		handleProcesses(client, args)
	case "quota":
		handleQuota(client)
	case "watch":
		handleWatch(client, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: kestrelctl [-addr host:port] <command>

Commands:
  status      Show kernel system status
  processes   List processes (optional: -state <state>, -user <id>)
  quota       Show default resource quota
  watch       Stream kernel events (optional topic filters)
  validate    Validate a pipeline YAML file`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func call(client *wire.Client, service, method string, req, resp any) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := client.Call(ctx, service, method, req, resp); err != nil {
		fatalf("%s.%s: %v", service, method, err)
	}
}

func handleStatus(client *wire.Client) {
	var resp wire.SystemStatusResponse
	call(client, wire.ServiceKernel, wire.MethodGetSystemStatus, nil, &resp)
	printJSON(resp.Status)
}

func handleProcesses(client *wire.Client, args []string) {
	fs := flag.NewFlagSet("processes", flag.ExitOnError)
	state := fs.String("state", "", "filter by process state")
	user := fs.String("user", "", "filter by user id")
	_ = fs.Parse(args)

	req := wire.ListProcessesRequest{State: *state, UserID: *user}

	var resp wire.ListProcessesResponse
	call(client, wire.ServiceKernel, wire.MethodListProcesses, req, &resp)
	printJSON(resp.Processes)
}

func handleQuota(client *wire.Client) {
	var quota kernel.ResourceQuota
	call(client, wire.ServiceKernel, wire.MethodGetQuotaDefaults, nil, &quota)
	printJSON(quota)
}

func handleWatch(client *wire.Client, topics []string) {
	stream, err := client.Subscribe(topics...)
	if err != nil {
		fatalf("subscribe: %v", err)
	}

	fmt.Fprintln(os.Stderr, "Watching kernel events (Ctrl+C to stop)...")
	for event := range stream.C() {
		line, err := json.Marshal(map[string]any{
			"topic":        event.Topic,
			"published_at": time.Unix(0, event.PublishedAt).UTC().Format(time.RFC3339Nano),
			"payload":      event.Payload,
		})
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
	if err := stream.Err(); err != nil {
		fatalf("stream ended: %v", err)
	}
}

func handleValidate(args []string) {
	if len(args) < 1 {
		fatalf("validate requires a pipeline file path")
	}

	pipeline, err := config.LoadPipeline(args[0])
	if err != nil {
		fatalf("load pipeline: %v", err)
	}
	if err := pipeline.Validate(envelope.KnownField); err != nil {
		fatalf("invalid pipeline: %v", err)
	}

	printJSON(map[string]any{
		"pipeline":    pipeline.Name,
		"valid":       true,
		"agents":      len(pipeline.Agents),
		"stage_order": pipeline.GetStageOrder(),
	})
}
