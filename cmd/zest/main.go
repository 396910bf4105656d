// Command zest runs the peer-to-peer artifact daemon and its controls.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	zest "github.com/praveer13/zest"
	"github.com/praveer13/zest/internal/logger"
	"github.com/praveer13/zest/internal/xet"
	"github.com/praveer13/zest/internal/xetlib"
	"github.com/praveer13/zest/session"
)

// Exit codes: 0 success, 2 bad arguments, 3 auth failure, 4 network/CDN
// failure, 5 verification failure.
const (
	exitBadArgs      = 2
	exitAuth         = 3
	exitNetwork      = 4
	exitVerification = 5
)

func main() {
	app := &cli.App{
		Name:    "zest",
		Usage:   "peer-to-peer downloads for content-addressed model artifacts",
		Version: zest.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
				Value: "~/.config/zest/zest.yaml",
			},
			&cli.StringFlag{
				Name:  "api",
				Usage: "content-addressed service base URL",
				Value: "https://cas.zest.dev",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger.SetDebug()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "run the seeding daemon",
				Action: runDaemon,
			},
			{
				Name:      "pull",
				Usage:     "download a repository revision",
				ArgsUsage: "ORG/NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "revision", Value: "main"},
					&cli.StringSliceFlag{Name: "peer", Usage: "static peer address host:port (repeatable)"},
					&cli.BoolFlag{Name: "no-p2p", Usage: "skip the peer swarm, use cache and CDN only"},
				},
				Action: runPull,
			},
			{
				Name:   "status",
				Usage:  "show counters of the running daemon",
				Action: runStatus,
			},
			{
				Name:   "stop",
				Usage:  "stop the running daemon",
				Action: runStop,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		code := exitNetwork
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "zest:", err)
		os.Exit(code)
	}
}

func loadConfig(c *cli.Context) (*zest.Config, error) {
	cfg, err := zest.LoadConfig(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitBadArgs)
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	lib := xetlib.New()
	client := xetlib.NewClient(c.String("api"), zest.Token())
	s, err := session.New(cfg, lib, client)
	if err != nil {
		return cli.Exit(err.Error(), exitNetwork)
	}
	defer s.Close()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigC:
		fmt.Fprintln(os.Stderr, "received", sig)
	case <-s.StopRequested():
	}
	return nil
}

func runPull(c *cli.Context) error {
	repo := c.Args().First()
	if repo == "" || !strings.Contains(repo, "/") {
		return cli.Exit("repository must be given as ORG/NAME", exitBadArgs)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// A running daemon owns the state database; route the pull through
	// it when its control surface answers.
	if len(c.StringSlice("peer")) == 0 && !c.Bool("no-p2p") {
		if done, err := pullViaDaemon(cfg, repo, c.String("revision")); done {
			return err
		}
	}
	// Otherwise run a short-lived session on ephemeral ports.
	cfg.Port = 0
	cfg.HTTPPort = 0
	if peers := c.StringSlice("peer"); len(peers) > 0 {
		cfg.P2P.Peers = append(cfg.P2P.Peers, peers...)
	}
	if c.Bool("no-p2p") {
		cfg.P2P.Disabled = true
	}

	lib := xetlib.New()
	client := xetlib.NewClient(c.String("api"), zest.Token())
	s, err := session.New(cfg, lib, client)
	if err != nil {
		return cli.Exit(err.Error(), exitNetwork)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = s.Pull(ctx, repo, c.String("revision"), func(e session.PullEvent) {
		switch e.Type {
		case "file":
			fmt.Printf("file     %s (%d bytes)\n", e.Path, e.Size)
		case "progress":
			fmt.Printf("xorb     %s… %d bytes from %s\n", e.Xorb[:16], e.Bytes, e.Source)
		case "complete":
			fmt.Printf("complete %s: %d bytes from peers, %d from cdn\n", e.Commit, e.BytesFromPeers, e.BytesFromCDN)
		}
	})
	if err != nil {
		return cli.Exit(err.Error(), pullExitCode(err))
	}
	return nil
}

// pullViaDaemon streams a pull through a running daemon. Returns
// done=false when no daemon answers, letting the caller run locally.
func pullViaDaemon(cfg *zest.Config, repo, revision string) (bool, error) {
	body := strings.NewReader(`{"repo": ` + strconv.Quote(repo) + `, "revision": ` + strconv.Quote(revision) + `}`)
	resp, err := http.Post(controlURL(cfg, "/v1/pull"), "application/json", body)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return true, cli.Exit("daemon rejected pull: "+strings.TrimSpace(string(msg)), exitBadArgs)
	}
	var failed string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e session.PullEvent
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e) != nil {
			continue
		}
		switch e.Type {
		case "file":
			fmt.Printf("file     %s (%d bytes)\n", e.Path, e.Size)
		case "progress":
			fmt.Printf("xorb     %s… %d bytes from %s\n", e.Xorb[:16], e.Bytes, e.Source)
		case "complete":
			fmt.Printf("complete %s: %d bytes from peers, %d from cdn\n", e.Commit, e.BytesFromPeers, e.BytesFromCDN)
		case "error":
			failed = e.Error
		}
	}
	if failed != "" {
		return true, cli.Exit(failed, exitNetwork)
	}
	return true, nil
}

func pullExitCode(err error) int {
	switch {
	case errors.Is(err, xet.ErrAuth):
		return exitAuth
	case errors.Is(err, xet.ErrVerification):
		return exitVerification
	default:
		return exitNetwork
	}
}

func controlURL(cfg *zest.Config, path string) string {
	return "http://127.0.0.1:" + strconv.Itoa(int(cfg.HTTPPort)) + path
}

func runStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	resp, err := http.Get(controlURL(cfg, "/v1/status"))
	if err != nil {
		return cli.Exit("daemon not reachable: "+err.Error(), exitNetwork)
	}
	defer resp.Body.Close()
	var status json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return cli.Exit(err.Error(), exitNetwork)
	}
	var pretty map[string]interface{}
	json.Unmarshal(status, &pretty)
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runStop(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	resp, err := http.Post(controlURL(cfg, "/v1/stop"), "application/json", nil)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		fmt.Println("stop requested")
		return nil
	}
	// Control surface down; fall back to the pid file.
	pidBytes, rerr := os.ReadFile(filepath.Join(cfg.CacheDir, "zest.pid"))
	if rerr != nil {
		return cli.Exit("daemon not reachable and no pid file", exitNetwork)
	}
	pid, rerr := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if rerr != nil {
		return cli.Exit("invalid pid file", exitNetwork)
	}
	proc, rerr := os.FindProcess(pid)
	if rerr != nil {
		return cli.Exit(rerr.Error(), exitNetwork)
	}
	if rerr := proc.Signal(syscall.SIGTERM); rerr != nil {
		return cli.Exit(rerr.Error(), exitNetwork)
	}
	fmt.Println("sent SIGTERM to", pid)
	return nil
}
