// dfsctl is a command line client for chunkfs.
//
// Usage:
//
//	dfsctl [-config <file>] [-master <host:port>] [-gateway <host:port>] <command> [args]
//
// Commands:
//
//	mkdir <dir> <name>          create directory dir/name
//	put <local> <dir> <name>    upload a local file as dir/name
//	cat <dir> <name>            write dir/name to stdout
//	ls [dir]                    list committed files and subdirectories
//	rm <dir> <name>             delete dir/name and its chunks
//	fleet                       show chunk server liveness from the admin gateway
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/caleberi/chunkfs/client"
	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/config"
	"github.com/caleberi/chunkfs/master_server"
	"github.com/caleberi/chunkfs/utils"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type session struct {
	opts        client.Options
	masterAddr  string
	gatewayAddr string
	out         io.Writer
}

type command struct {
	handler func(ctx context.Context, s *session, args []string) error
	minArgs int
	maxArgs int
	usage   string
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"mkdir": {handleMkdir, 2, 2, "mkdir <dir> <name>"},
		"put":   {handlePut, 3, 3, "put <local> <dir> <name>"},
		"cat":   {handleCat, 2, 2, "cat <dir> <name>"},
		"ls":    {handleList, 0, 1, "ls [dir]"},
		"rm":    {handleRemove, 2, 2, "rm <dir> <name>"},
		"fleet": {handleFleet, 0, 0, "fleet"},
	}
}

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dfsctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	fs := flag.NewFlagSet("dfsctl", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	masterAddr := fs.String("master", "", "master address, overriding the configuration")
	gatewayAddr := fs.String("gateway", "", "admin gateway address, overriding the configuration")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(argv); err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		return fmt.Errorf("missing command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(fs)
		return fmt.Errorf("unknown command %q", args[0])
	}
	if n := len(args) - 1; n < cmd.minArgs || n > cmd.maxArgs {
		return fmt.Errorf("usage: dfsctl %s", cmd.usage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	s := &session{
		opts:        client.OptionsFromSettings(cfg),
		masterAddr:  cfg.MasterAddr(),
		gatewayAddr: cfg.GatewayAddr(),
		out:         out,
	}
	if *masterAddr != "" {
		s.masterAddr = *masterAddr
	}
	if *gatewayAddr != "" {
		s.gatewayAddr = *gatewayAddr
	}
	return cmd.handler(ctx, s, args[1:])
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "usage: dfsctl [flags] <command> [args]")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fs.PrintDefaults()
}

// withClient dials the master for one command and always says goodbye, so
// any lock the command still holds is released.
func (s *session) withClient(ctx context.Context, fn func(*client.Client) error) error {
	c, err := client.Dial(ctx, s.masterAddr, s.opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Msg("closing master connection")
		}
	}()
	return fn(c)
}

func handleMkdir(ctx context.Context, s *session, args []string) error {
	return s.withClient(ctx, func(c *client.Client) error {
		return c.CreateDir(args[0], args[1])
	})
}

func handlePut(ctx context.Context, s *session, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	return s.withClient(ctx, func(c *client.Client) error {
		n, err := c.Upload(ctx, f, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "stored %d bytes as %s\n", n, utils.JoinPath(args[1], args[2]))
		return nil
	})
}

func handleCat(ctx context.Context, s *session, args []string) error {
	return s.withClient(ctx, func(c *client.Client) error {
		_, err := c.Read(ctx, args[0], args[1], s.out)
		return err
	})
}

func handleList(ctx context.Context, s *session, args []string) error {
	dir := "/"
	if len(args) == 1 {
		dir = args[0]
	}
	return s.withClient(ctx, func(c *client.Client) error {
		files, dirs, err := c.List(dir)
		if err != nil {
			return err
		}
		sort.Strings(files)
		sort.Strings(dirs)

		table := tablewriter.NewWriter(s.out)
		table.Header([]string{"Name", "Type"})
		for _, d := range dirs {
			if err := table.Append([]string{d + "/", "dir"}); err != nil {
				return err
			}
		}
		for _, f := range files {
			if err := table.Append([]string{f, "file"}); err != nil {
				return err
			}
		}
		return table.Render()
	})
}

func handleRemove(ctx context.Context, s *session, args []string) error {
	return s.withClient(ctx, func(c *client.Client) error {
		return c.Delete(ctx, args[0], args[1])
	})
}

type fleetResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Servers []master_server.ServerStatus `json:"servers"`
		Dead    int                          `json:"dead"`
	} `json:"data"`
	Error string `json:"error"`
}

func handleFleet(ctx context.Context, s *session, _ []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.gatewayAddr+"/api/v1/fleet", nil)
	if err != nil {
		return err
	}
	hc := http.Client{Timeout: common.DefaultRPCTimeout}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("admin gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body fleetResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode fleet status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin gateway: %s", body.Error)
	}

	table := tablewriter.NewWriter(s.out)
	table.Header([]string{"Index", "Address", "Alive", "Probes", "Success", "Mean RTT"})
	for _, srv := range body.Data.Servers {
		probes, ratio, rtt := "-", "-", "-"
		if srv.Probe != nil {
			probes = strconv.Itoa(srv.Probe.Samples)
			ratio = fmt.Sprintf("%.0f%%", srv.Probe.SuccessRatio*100)
			rtt = srv.Probe.MeanRTT.String()
		}
		row := []string{strconv.Itoa(int(srv.Index)), srv.Addr, strconv.FormatBool(srv.Alive), probes, ratio, rtt}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d of %d chunk servers dead\n", body.Data.Dead, len(body.Data.Servers))
	return nil
}
