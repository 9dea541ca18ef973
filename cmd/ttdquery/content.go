package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/content"
	"github.com/udisondev/ttdnet/internal/nethttp"
	"github.com/udisondev/ttdnet/internal/network"
)

const (
	ClientConfigPath = "config/ttdclient.yaml"

	// catalogueQuiet ends a listing once no entry arrived for this long.
	catalogueQuiet   = 2 * time.Second
	catalogueTimeout = 30 * time.Second
	downloadTimeout  = 10 * time.Minute
)

// contentSession drives a content client and follows what it reports.
type contentSession struct {
	content.NopCallback

	client *content.Client
	pool   *network.ConnectorPool
	http   *nethttp.Client

	failed    bool
	lastInfo  time.Time
	completed int
	errors    int
}

func newContentSession(ctx context.Context, mirror bool) (*contentSession, error) {
	cfgPath := ClientConfigPath
	if p := os.Getenv("TTDNET_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return nil, err
	}
	cs := connectionStrings()

	s := &contentSession{pool: &network.ConnectorPool{}, lastInfo: time.Now()}
	opts := []content.ClientOption{content.WithCallback(s), content.WithConnectorPool(s.pool)}
	if mirror {
		s.http = nethttp.NewClient()
		s.http.Start(ctx)
		opts = append(opts, content.WithMirror(s.http, cs.ContentMirror))
	}
	s.client = content.NewClient(cs.ContentServer, cfg.DownloadDir, opts...)
	return s, nil
}

func (s *contentSession) OnConnect(success bool) { s.failed = s.failed || !success }

func (s *contentSession) OnReceiveContentInfo(*content.ContentInfo) { s.lastInfo = time.Now() }
func (s *contentSession) OnDownloadComplete(content.ContentID)      { s.completed++ }
func (s *contentSession) OnDownloadFailed(content.ContentID)        { s.errors++ }

func (s *contentSession) poll() {
	s.pool.CheckCallbacks()
	s.client.Poll()
}

func (s *contentSession) close() {
	s.client.Close()
	s.pool.KillAll()
	if s.http != nil {
		s.http.Shutdown()
	}
}

// quiet reports whether the catalogue stopped growing.
func (s *contentSession) quiet() bool {
	return s.failed || (s.client.IsConnected() && time.Since(s.lastInfo) > catalogueQuiet)
}

func (s *contentSession) connectError() error {
	if s.failed {
		return errors.New("could not connect to the content server")
	}
	return nil
}

func runContent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("content", flag.ContinueOnError)
	typeName := fs.String("type", "", "only list this content type (e.g. newgrf, ai, scenario)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t := content.TypeEnd
	if *typeName != "" {
		var err error
		if t, err = content.ParseContentType(*typeName); err != nil {
			return err
		}
	}

	s, err := newContentSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	s.client.RequestContentList(t)
	if err := pollUntil(ctx, catalogueTimeout, s.poll, s.quiet); err != nil {
		return err
	}
	if err := s.connectError(); err != nil {
		return err
	}
	printContent(os.Stdout, s.client.Infos())
	return nil
}

func runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	noMirror := fs.Bool("no-mirror", false, "download from the content server only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("no content id given")
	}
	ids := make([]content.ContentID, 0, fs.NArg())
	for _, a := range fs.Args() {
		id, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid content id %q", a)
		}
		ids = append(ids, content.ContentID(id))
	}

	s, err := newContentSession(ctx, !*noMirror)
	if err != nil {
		return err
	}
	defer s.close()

	s.client.RequestContentListByIDs(ids)
	known := func() bool {
		for _, id := range ids {
			if _, ok := s.client.Get(id); !ok {
				return false
			}
		}
		return true
	}
	if err := pollUntil(ctx, catalogueTimeout, s.poll, func() bool { return s.failed || known() }); err != nil {
		return err
	}
	if err := s.connectError(); err != nil {
		return err
	}

	for _, id := range ids {
		s.client.Select(id)
	}
	files, bytes := s.client.DownloadSelectedContent()
	if files == 0 {
		fmt.Println("nothing to download")
		return nil
	}
	fmt.Printf("downloading %d file(s), %d bytes\n", files, bytes)

	if err := pollUntil(ctx, downloadTimeout, s.poll, func() bool { return !s.client.Busy() }); err != nil {
		return err
	}
	fmt.Printf("%d downloaded, %d failed\n", s.completed, s.errors)
	if s.errors > 0 || s.client.Busy() {
		return errors.New("not all content was downloaded")
	}
	return nil
}

func printContent(w io.Writer, infos []*content.ContentInfo) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Type", "Name", "Version", "Size", "Dependencies"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, ci := range infos {
		tw.Append([]string{
			strconv.FormatUint(uint64(ci.ID), 10),
			ci.Type.String(),
			ci.Name,
			ci.Version,
			strconv.FormatUint(uint64(ci.FileSize), 10),
			strconv.Itoa(len(ci.Dependencies)),
		})
	}
	tw.Render()
	fmt.Fprintf(w, "%d item(s)\n", len(infos))
}
