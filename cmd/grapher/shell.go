package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/nicktill/grapher/pkg/client"
	"github.com/nicktill/grapher/pkg/discovery"
	"github.com/nicktill/grapher/pkg/wire"
)

const (
	requestTimeout  = 5 * time.Second
	discoverTimeout = 3 * time.Second
	defaultWatch    = 10
)

// shell is the interactive command loop.
type shell struct {
	rl     *readline.Instance
	out    io.Writer
	client *client.Client
	server string
	listen string
	codec  wire.Codec

	// Labels from the last subscription acknowledgement.
	labels []wire.AckEntry
}

func newShell(server, listen string, codec wire.Codec) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "grapher> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &shell{
		rl:     rl,
		out:    rl.Stdout(),
		client: client.New(server),
		server: server,
		listen: listen,
		codec:  codec,
	}, nil
}

// Run reads commands until quit, EOF or ctx is done.
func (s *shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "discover":
			s.cmdDiscover(ctx)

		case "connect":
			s.cmdConnect(args)

		case "inventory", "inv", "ls":
			s.cmdInventory(ctx)

		case "subscribe", "sub":
			s.cmdSubscribe(ctx, args)

		case "watch", "w":
			s.cmdWatch(ctx, args)

		case "unsubscribe", "unsub":
			s.cmdUnsubscribe(ctx)

		case "status":
			s.cmdStatus(ctx)

		case "quit", "exit", "q":
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprintf(s.out, `
Grapher Commands:
  discover                       - Find servers via mDNS
  connect <url>                  - Switch to another server
  inventory                      - List items and measures
  subscribe <id>:<measure> ...   - Stream the selection, e.g. subscribe 0:VALUE 2:JERK
  watch [n]                      - Print the next n snapshots (default %d)
  unsubscribe                    - Stop streaming
  status                         - Show stream health
  quit                           - Exit

Server: %s, receiving on %s (%s)
`, defaultWatch, s.server, s.listen, s.codec.Name())
}

func (s *shell) cmdDiscover(ctx context.Context) {
	fmt.Fprintln(s.out, "Browsing for grapher servers...")
	browseCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	services, err := discovery.Browse(browseCtx, "")
	if err != nil {
		fmt.Fprintf(s.out, "Discovery error: %v\n", err)
		return
	}

	found := 0
	for svc := range services {
		found++
		fmt.Fprintf(s.out, "  %d. %s  %s  (udp %d, %s)\n", found, svc.Instance, svc.BaseURL(), svc.UDPPort, svc.Encoding)
	}
	if found == 0 {
		fmt.Fprintln(s.out, "No servers found")
	}
}

func (s *shell) cmdConnect(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: connect <url>")
		return
	}
	url := args[0]
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	s.server = url
	s.client = client.New(url)
	s.labels = nil
	fmt.Fprintf(s.out, "Using %s\n", url)
}

func (s *shell) cmdInventory(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	cat, err := s.client.Inventory(reqCtx)
	if err != nil {
		fmt.Fprintf(s.out, "Inventory error: %v\n", err)
		return
	}
	printCatalog(s.out, cat)
}

func (s *shell) cmdSubscribe(ctx context.Context, args []string) {
	selections, err := parseSelections(args)
	if err != nil {
		fmt.Fprintf(s.out, "%v\nUsage: subscribe <id>:<measure> ...\n", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	acks, err := s.client.Subscribe(reqCtx, wire.SubscribeRequest{Items: selections})
	if err != nil {
		fmt.Fprintf(s.out, "Subscribe error: %v\n", err)
		return
	}
	s.labels = acks

	fmt.Fprintf(s.out, "Streaming %d values:\n", len(acks))
	for i, a := range acks {
		fmt.Fprintf(s.out, "  [%d] %s %s\n", i, a.Description, a.Measure)
	}
}

func (s *shell) cmdWatch(ctx context.Context, args []string) {
	n := defaultWatch
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			fmt.Fprintln(s.out, "Usage: watch [n]")
			return
		}
		n = v
	}

	l, err := client.Listen(s.listen, s.codec)
	if err != nil {
		fmt.Fprintf(s.out, "Listen error: %v\n", err)
		return
	}
	defer l.Close()

	for i := 0; i < n; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		snap, err := l.Next(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(s.out, "No snapshot within %v\n", requestTimeout)
			} else {
				fmt.Fprintf(s.out, "Receive error: %v\n", err)
			}
			return
		}
		fmt.Fprintln(s.out, formatSnapshot(snap, s.labels))
	}
	if dropped := l.Dropped(); dropped > 0 {
		fmt.Fprintf(s.out, "(%d stale datagrams dropped)\n", dropped)
	}
}

func (s *shell) cmdUnsubscribe(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := s.client.Unsubscribe(reqCtx); err != nil {
		fmt.Fprintf(s.out, "Unsubscribe error: %v\n", err)
		return
	}
	s.labels = nil
	fmt.Fprintln(s.out, "Stream stopped")
}

func (s *shell) cmdStatus(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	st, err := s.client.Status(reqCtx)
	if err != nil {
		fmt.Fprintf(s.out, "Status error: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "Server:   %s (%s, up %s)\n", s.server, st.Status, st.Uptime)
	fmt.Fprintf(s.out, "Items:    %d\n", st.Items)
	fmt.Fprintf(s.out, "Stream:   UDP %d, %s every %s\n", st.UDPPort, st.Encoding, st.Period)
	if !st.Stream.Active {
		fmt.Fprintln(s.out, "          inactive")
		return
	}
	fmt.Fprintf(s.out, "          %s since %s\n", st.Stream.StreamID, st.Stream.Started)
	fmt.Fprintf(s.out, "          sent %d, failed %d\n", st.Stream.Sent, st.Stream.Failed)
	if st.Stream.ConsecutiveErrors > 0 {
		fmt.Fprintf(s.out, "          %d consecutive errors, last: %s\n", st.Stream.ConsecutiveErrors, st.Stream.LastError)
	}
}

// parseSelections parses "<id>:<measure>" arguments.
func parseSelections(args []string) ([]wire.Selection, error) {
	if len(args) == 0 {
		return nil, errors.New("no selections given")
	}

	out := make([]wire.Selection, 0, len(args))
	for _, arg := range args {
		idStr, m, ok := strings.Cut(arg, ":")
		if !ok || m == "" {
			return nil, fmt.Errorf("invalid selection %q", arg)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid inventory id in %q", arg)
		}
		out = append(out, wire.Selection{InventoryID: id, Measure: strings.ToUpper(m)})
	}
	return out, nil
}

// printCatalog prints items grouped by type, ordered by inventory id.
func printCatalog(w io.Writer, cat wire.Catalog) {
	type row struct {
		entry wire.InventoryEntry
		typ   string
	}
	var rows []row
	for typ, entries := range cat.Items {
		for _, e := range entries {
			rows = append(rows, row{entry: e, typ: typ})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No items registered")
		return
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].entry.InventoryID < rows[j].entry.InventoryID
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tDEVICE\tDESCRIPTION\tMEASURES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
			r.entry.InventoryID, r.typ, r.entry.DeviceID, r.entry.Description,
			strings.Join(cat.Measures[r.typ], ", "))
	}
	tw.Flush()
}

// formatSnapshot renders one snapshot, labelled when labels match.
func formatSnapshot(snap wire.Snapshot, labels []wire.AckEntry) string {
	var b strings.Builder
	b.WriteString(time.UnixMilli(snap.Timestamp).Format("15:04:05.000"))
	for i, v := range snap.Data {
		b.WriteString("  ")
		if len(labels) == len(snap.Data) {
			b.WriteString(labels[i].Measure)
			b.WriteByte('=')
		}
		if math.IsNaN(v) {
			b.WriteString("-")
			continue
		}
		b.WriteString(strconv.FormatFloat(v, 'g', 6, 64))
	}
	return b.String()
}
