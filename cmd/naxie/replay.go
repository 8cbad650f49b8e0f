package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/capture"
	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/export"
	"github.com/go-go-golems/naxie/pkg/reassembly"
)

func newReplayCommand(a *app) (*cobra.Command, error) {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect and rebuild captured conversations",
		Long:  "Read-only tools for the frame capture database written by --capture.",
	}

	listCmd, err := NewCaptureListCommand(a)
	if err != nil {
		return nil, err
	}
	framesCmd, err := NewCaptureFramesCommand(a)
	if err != nil {
		return nil, err
	}
	cobraListCmd, err := buildGlazedCommand(listCmd)
	if err != nil {
		return nil, err
	}
	cobraFramesCmd, err := buildGlazedCommand(framesCmd)
	if err != nil {
		return nil, err
	}

	replayCmd.AddCommand(cobraListCmd, cobraFramesCmd, newReplayShowCommand(a))
	return replayCmd, nil
}

func (a *app) openCaptureStore(db string) (*capture.SQLiteStore, error) {
	if db == "" {
		db = a.cfg.Capture.Path
	}
	if db == "" {
		return nil, errors.New("capture store not configured (set --db or capture.path)")
	}
	dsn, err := capture.DSNForFile(db)
	if err != nil {
		return nil, err
	}
	store, err := capture.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open capture store")
	}
	return store, nil
}

type CaptureListCommand struct {
	*cmds.CommandDescription
	a *app
}

type CaptureListSettings struct {
	DB    string `glazed:"db"`
	Limit int    `glazed:"limit"`
}

func NewCaptureListCommand(a *app) (*CaptureListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List captured connections"),
		cmds.WithLong("List captured connections, most recent first, with frame counts per direction."),
		cmds.WithFlags(
			fields.New(
				"db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Capture database file (defaults to capture.path)"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(50),
				fields.WithHelp("Limit number of connections"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &CaptureListCommand{CommandDescription: desc, a: a}, nil
}

func (c *CaptureListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &CaptureListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := c.a.openCaptureStore(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	conns, err := store.ListConnections(ctx, s.Limit)
	if err != nil {
		return err
	}
	for _, cs := range conns {
		if err := gp.AddRow(ctx, connectionRow(cs)); err != nil {
			return err
		}
	}
	return nil
}

func connectionRow(cs capture.ConnectionSummary) types.Row {
	return types.NewRow(
		types.MRP("connection_id", cs.ConnectionID),
		types.MRP("started", time.UnixMilli(cs.FirstAtMs).Format(time.DateTime)),
		types.MRP("last_frame", time.UnixMilli(cs.LastAtMs).Format(time.DateTime)),
		types.MRP("inbound", cs.Inbound),
		types.MRP("outbound", cs.Outbound),
	)
}

var _ cmds.GlazeCommand = &CaptureListCommand{}

type CaptureFramesCommand struct {
	*cmds.CommandDescription
	a *app
}

type CaptureFramesSettings struct {
	DB           string `glazed:"db"`
	ConnectionID string `glazed:"connection"`
}

func NewCaptureFramesCommand(a *app) (*CaptureFramesCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"frames",
		cmds.WithShort("List the raw frames of a captured connection"),
		cmds.WithFlags(
			fields.New(
				"db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Capture database file (defaults to capture.path)"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"connection",
				fields.TypeString,
				fields.WithHelp("Connection id (see replay list)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &CaptureFramesCommand{CommandDescription: desc, a: a}, nil
}

func (c *CaptureFramesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &CaptureFramesSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	store, err := c.a.openCaptureStore(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	frames, err := store.Frames(ctx, s.ConnectionID)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := gp.AddRow(ctx, frameRow(f)); err != nil {
			return err
		}
	}
	return nil
}

func frameRow(f capture.Frame) types.Row {
	return types.NewRow(
		types.MRP("seq", f.Seq),
		types.MRP("direction", string(f.Direction)),
		types.MRP("at_ms", f.AtMs),
		types.MRP("payload", string(f.Payload)),
	)
}

var _ cmds.GlazeCommand = &CaptureFramesCommand{}

func newReplayShowCommand(a *app) *cobra.Command {
	var (
		db     string
		format string
	)
	cmd := &cobra.Command{
		Use:   "show CONNECTION",
		Short: "Rebuild a captured conversation from its raw frames",
		Long: "Feeds the connection's frames through a fresh reassembly engine and prints " +
			"the resulting transcript.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID := args[0]
			store, err := a.openCaptureStore(db)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := store.Replay(cmd.Context(), connID, reassembly.WithEOFMode(a.eofMode()))
			if err != nil {
				return err
			}
			out, err := renderReplay(st, connID, format)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "Capture database file (defaults to capture.path)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, markdown or html")
	return cmd
}

func renderReplay(st chatstate.State, title, format string) (string, error) {
	switch format {
	case "markdown", "md":
		return export.Markdown(st.Transcript, export.Options{Title: title})
	case "html":
		return export.HTML(st.Transcript, export.Options{Title: title})
	case "text", "":
		var b strings.Builder
		for _, e := range st.Transcript.Entries() {
			if e.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
			}
			if e.Refs != nil {
				for i, r := range e.Refs.Refs {
					fmt.Fprintf(&b, "  [%d] %s\n", i+1, export.RefLabel(r))
				}
			}
		}
		if st.SessionID != "" {
			fmt.Fprintf(&b, "(session %s)\n", st.SessionID)
		}
		return b.String(), nil
	default:
		return "", errors.Errorf("unknown format %q", format)
	}
}
