package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/coordinator"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/udp"
)

const (
	queryTimeout   = 3 * time.Second
	listingTimeout = 10 * time.Second
)

var landscapeNames = [...]string{"temperate", "arctic", "tropic", "toyland"}

func runLAN(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lan", flag.ContinueOnError)
	port := fs.Uint("port", constants.DefaultPort, "port servers answer on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := searchLAN(ctx, uint16(*port))
	if err != nil {
		return err
	}
	printServers(os.Stdout, list.Entries())
	return nil
}

func searchLAN(ctx context.Context, port uint16) (*udp.ServerList, error) {
	list := &udp.ServerList{}
	f := udp.NewFinder(list, udp.WithBroadcastPort(port))
	if err := f.Listen(); err != nil {
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}
	defer f.CloseSocket()

	f.Search()
	err := pollUntil(ctx, time.Minute, f.Poll, func() bool { return !f.Searching() })
	return list, err
}

// runQuery asks servers for their game info. Invite codes are looked up in
// the coordinator listing, everything else is asked directly.
func runQuery(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no server given")
	}
	var direct, invites []string
	for _, cs := range args {
		if network.ParseServerAddress(cs).IsInviteCode() {
			invites = append(invites, cs)
		} else {
			direct = append(direct, cs)
		}
	}

	var entries []udp.ServerEntry
	if len(invites) > 0 {
		public, err := fetchListing(ctx, connectionStrings().Coordinator)
		if err != nil {
			return err
		}
		for _, code := range invites {
			e := public.Get(code)
			if e == nil {
				e = &udp.ServerEntry{ConnectionString: code}
			}
			entries = append(entries, *e)
		}
	}
	if len(direct) > 0 {
		list, err := queryDirect(ctx, direct)
		if err != nil {
			return err
		}
		entries = append(entries, list.Entries()...)
	}
	printServers(os.Stdout, entries)
	return nil
}

func queryDirect(ctx context.Context, servers []string) (*udp.ServerList, error) {
	list := &udp.ServerList{}
	f := udp.NewFinder(list)
	if err := f.Listen(); err != nil {
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}
	defer f.CloseSocket()

	for _, cs := range servers {
		f.Query(network.ParseConnectionString(cs, constants.DefaultPort))
	}
	allOnline := func() bool {
		for _, e := range list.Entries() {
			if !e.Online {
				return false
			}
		}
		return true
	}
	if err := pollUntil(ctx, queryTimeout, f.Poll, allOnline); err != nil {
		return nil, err
	}
	return list, nil
}

// listingEvents collects what the coordinator lists.
type listingEvents struct {
	coordinator.NopEvents
	list *udp.ServerList
	done bool
	err  error
}

func (e *listingEvents) OnServerListed(cs string, info game.GameInfo) { e.list.Update(cs, info) }
func (e *listingEvents) OnListingDone()                               { e.done = true }

func (e *listingEvents) OnError(t coordinator.ErrorType, detail string) {
	e.err = fmt.Errorf("game coordinator: %s %s", t, detail)
	e.done = true
}

func runListing(ctx context.Context, _ []string) error {
	list, err := fetchListing(ctx, connectionStrings().Coordinator)
	if err != nil {
		return err
	}
	printServers(os.Stdout, list.Entries())
	return nil
}

func fetchListing(ctx context.Context, server string) (*udp.ServerList, error) {
	ev := &listingEvents{list: &udp.ServerList{}}
	c := coordinator.New(server, coordinator.WithEvents(ev))
	defer c.Shutdown()

	c.GetListing()
	if err := pollUntil(ctx, listingTimeout, c.Poll, func() bool { return ev.done }); err != nil {
		return nil, err
	}
	if ev.err != nil {
		return nil, ev.err
	}
	if !ev.done {
		return nil, fmt.Errorf("no listing from %s", server)
	}
	return ev.list, nil
}

// runServers searches the LAN and asks the coordinator at the same time.
// Each search owns its own list; they are merged once both are done.
func runServers(ctx context.Context, _ []string) error {
	var lan, public *udp.ServerList

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lan, err = searchLAN(gctx, constants.DefaultPort)
		return err
	})
	g.Go(func() error {
		var err error
		public, err = fetchListing(gctx, connectionStrings().Coordinator)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range public.Entries() {
		if e.Online {
			lan.Update(e.ConnectionString, e.Info)
		}
	}
	printServers(os.Stdout, lan.Entries())
	return nil
}

func printServers(w io.Writer, entries []udp.ServerEntry) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Address", "Name", "Clients", "Companies", "Map", "Landscape", "Version", "Password"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, e := range entries {
		if !e.Online {
			tw.Append([]string{e.ConnectionString, "-", "-", "-", "-", "-", "-", "-"})
			continue
		}
		info := e.Info
		landscape := strconv.Itoa(int(info.Landscape))
		if int(info.Landscape) < len(landscapeNames) {
			landscape = landscapeNames[info.Landscape]
		}
		password := "no"
		if info.UsePassword {
			password = "yes"
		}
		tw.Append([]string{
			e.ConnectionString,
			info.ServerName,
			fmt.Sprintf("%d/%d", info.ClientsOn, info.ClientsMax),
			fmt.Sprintf("%d/%d", info.CompaniesOn, info.CompaniesMax),
			fmt.Sprintf("%dx%d", info.MapWidth, info.MapHeight),
			landscape,
			info.ServerRevision,
			password,
		})
	}
	tw.Render()
	fmt.Fprintf(w, "%d server(s)\n", len(entries))
}
