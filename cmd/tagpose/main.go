// tagpose - snap the pose of an AprilTag through rosbridge
//
// Single shot (prints the result as JSON):
//
//	tagpose -url ws://robot:9090 -tag block -publish
//
// Serve the HTTP/WebSocket API instead (port from -port or TAGPOSE_PORT):
//
//	tagpose -serve -port 8090
//
// Ask a running server:
//
//	tagpose -remote http://robot:8090 -tag block
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-tagpose/internal/config"
	"github.com/teslashibe/go-tagpose/internal/httpc"
	"github.com/teslashibe/go-tagpose/internal/log"
	"github.com/teslashibe/go-tagpose/pkg/apriltag"
	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
	"github.com/teslashibe/go-tagpose/pkg/web"
)

var errLostSession = errors.New("rosbridge session lost")

type options struct {
	URL       string
	Namespace string
	Tag       string
	Publish   bool
	Timeout   time.Duration
	Serve     bool
	Port      string
	Remote    string
	CBOR      bool
	LogLevel  string
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	log.Init(opts.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Error("tagpose failed", "error", err)
		os.Exit(1)
	}
}

// parseArgs parses flags. Environment variables supply the defaults.
func parseArgs(args []string, output io.Writer) (options, error) {
	var o options

	fs := flag.NewFlagSet("tagpose", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&o.URL, "url", config.RosbridgeURL(), "rosbridge WebSocket URL (ROSBRIDGE_URL)")
	fs.StringVar(&o.Namespace, "ns", config.Namespace(), "namespace of the apriltag services (APRILTAG_NS)")
	fs.StringVar(&o.Tag, "tag", apriltag.DefaultTagName, "child frame name for the tag")
	fs.BoolVar(&o.Publish, "publish", false, "publish the tag transform")
	fs.DurationVar(&o.Timeout, "timeout", 0, "give up waiting for camera info after this long (0 waits forever)")
	fs.BoolVar(&o.Serve, "serve", false, "serve the HTTP API instead of taking one pose")
	fs.StringVar(&o.Port, "port", config.WebPort(), "HTTP port for -serve (TAGPOSE_PORT)")
	fs.StringVar(&o.Remote, "remote", "", "ask a running tagpose server at this base URL")
	fs.BoolVar(&o.CBOR, "cbor", false, "request CBOR compressed topics from rosbridge")
	fs.StringVar(&o.LogLevel, "log-level", config.LogLevel(), "debug, info, warn or error (LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		fmt.Fprintln(output, err)
		return o, err
	}
	if o.Serve && o.Remote != "" {
		err := errors.New("-serve and -remote are mutually exclusive")
		fmt.Fprintln(output, err)
		return o, err
	}
	return o, nil
}

func run(ctx context.Context, o options, out io.Writer) error {
	if o.Remote != "" {
		return runRemote(ctx, o, out)
	}

	cfg := rosbridge.DefaultConfig()
	cfg.URL = o.URL
	if o.CBOR {
		cfg.Compression = rosbridge.CompressionCBOR
	}

	client, err := rosbridge.New(cfg, log.L())
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ConnectWithRetry(ctx); err != nil {
		return err
	}

	a, err := apriltag.New(ctx, apriltag.FromRosbridge(client), o.Namespace,
		apriltag.WithMetadataTimeout(o.Timeout),
	)
	if err != nil {
		return err
	}
	defer a.Close()

	if o.Serve {
		return serve(ctx, a, client, o.Port)
	}

	res, err := a.Snap(ctx, o.Tag, o.Publish)
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

func serve(ctx context.Context, a *apriltag.Interface, client *rosbridge.Client, port string) error {
	srv := web.NewServer(port, a, log.L())
	srv.BridgeStats = client.Stats

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-client.Done():
		// The transform advertisement died with the session.
		srv.Shutdown()
		return errLostSession
	case <-ctx.Done():
		log.Info("shutting down")
		return srv.Shutdown()
	}
}

func runRemote(ctx context.Context, o options, out io.Writer) error {
	endpoint := fmt.Sprintf("%s/api/tags/%s/pose", strings.TrimRight(o.Remote, "/"), url.PathEscape(o.Tag))
	if o.Publish {
		endpoint += "?publish=true"
	}

	var res web.PoseEntry
	if err := httpc.GetJSON(ctx, endpoint, &res); err != nil {
		return err
	}
	return writeJSON(out, res)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
