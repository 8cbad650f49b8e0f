package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/api"
	"github.com/go-go-golems/naxie/pkg/filefilter"
)

type ModelsCommand struct {
	*cmds.CommandDescription
	a *app
}

func NewModelsCommand(a *app) (*ModelsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"models",
		cmds.WithShort("List the models offered by the backend"),
		cmds.WithLong("List the models the backend can answer with. The selected column marks the model set by --model or the config."),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ModelsCommand{CommandDescription: desc, a: a}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	models, err := c.a.apiClient().FetchModels(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch models")
	}
	for _, m := range models {
		if err := gp.AddRow(ctx, modelRow(m, c.a.cfg.DefaultModel)); err != nil {
			return err
		}
	}
	return nil
}

func modelRow(m api.Model, selected string) types.Row {
	return types.NewRow(
		types.MRP("id", m.ID),
		types.MRP("name", m.Name),
		types.MRP("capabilities", strings.Join(m.Capabilities, ",")),
		types.MRP("tags", strings.Join(m.Tags, ",")),
		types.MRP("selected", selected != "" && m.ID == selected),
	)
}

var _ cmds.GlazeCommand = &ModelsCommand{}

type OptionsCommand struct {
	*cmds.CommandDescription
	a *app
}

type OptionsSettings struct {
	Kinds []string `glazed:"kind"`
}

var optionKinds = []string{"domain", "tag", "prompt"}

func NewOptionsCommand(a *app) (*OptionsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"options",
		cmds.WithShort("List the available domains, tags and prompts"),
		cmds.WithLong("List the settings options the backend offers, one row per domain, tag or prompt. Lists that fail to load are reported and skipped."),
		cmds.WithFlags(
			fields.New(
				"kind",
				fields.TypeStringList,
				fields.WithDefault(optionKinds),
				fields.WithHelp("Option kinds to list: domain, tag, prompt"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &OptionsCommand{CommandDescription: desc, a: a}, nil
}

func (c *OptionsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &OptionsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	kinds, err := parseOptionKinds(s.Kinds)
	if err != nil {
		return err
	}

	opts, fetchErr := c.a.apiClient().FetchSettingsOptions(ctx)
	if fetchErr != nil {
		if errors.Is(fetchErr, api.ErrMissingAPIKey) {
			return fetchErr
		}
		// partial results are still worth listing
		log.Warn().Err(fetchErr).Str("component", "cli").Msg("some option lists failed to load")
	}
	for _, row := range optionRows(opts, kinds) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// parseOptionKinds accepts singular or plural kind names. An empty list means every kind.
func parseOptionKinds(kinds []string) (map[string]bool, error) {
	if len(kinds) == 0 {
		kinds = optionKinds
	}
	want := map[string]bool{}
	for _, k := range kinds {
		k = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(k)), "s")
		switch k {
		case "domain", "tag", "prompt":
			want[k] = true
		default:
			return nil, errors.Errorf("unknown option kind %q", k)
		}
	}
	return want, nil
}

// optionRows flattens opts into one row per entry of the wanted kinds.
func optionRows(opts api.SettingsOptions, want map[string]bool) []types.Row {
	var rows []types.Row
	if want["domain"] {
		for _, d := range opts.Domains {
			rows = append(rows, optionRow("domain", string(d.ID), d.Name, ""))
		}
	}
	if want["tag"] {
		for _, t := range opts.Tags {
			rows = append(rows, optionRow("tag", string(t.ID), t.Name, ""))
		}
	}
	if want["prompt"] {
		for _, p := range opts.Prompts {
			rows = append(rows, optionRow("prompt", string(p.ID), p.Label(), p.Text()))
		}
	}
	return rows
}

func optionRow(kind, id, name, text string) types.Row {
	return types.NewRow(
		types.MRP("kind", kind),
		types.MRP("id", id),
		types.MRP("name", name),
		types.MRP("text", text),
	)
}

var _ cmds.GlazeCommand = &OptionsCommand{}

func newUploadCommand(a *app) *cobra.Command {
	var (
		include     []string
		exclude     []string
		maxSize     int64
		noGitIgnore bool
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "upload PATH...",
		Short: "Upload documents to the instant upload endpoint",
		Long:  "Files are sent as given. Directories are walked and filtered by extension, size and .gitignore rules.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []filefilter.Option{
				filefilter.WithMaxFileSize(maxSize),
				filefilter.WithExcludeExts(exclude),
				filefilter.WithDisableGitIgnore(noGitIgnore),
			}
			if len(include) > 0 {
				opts = append(opts, filefilter.WithIncludeExts(include))
			}
			files, err := filefilter.New(opts...).Collect(args...)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no files matched")
			}
			if dryRun {
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			}

			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ctrl.UploadPaths(cmd.Context(), files...); err != nil {
				return err
			}
			fmt.Printf("uploaded %d file(s)\n", len(files))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&include, "include", nil, "Extensions to accept when walking directories (default: document types)")
	f.StringSliceVar(&exclude, "exclude", nil, "Extensions to skip when walking directories")
	f.Int64Var(&maxSize, "max-size", filefilter.DefaultMaxFileSize, "Largest file to upload, in bytes")
	f.BoolVar(&noGitIgnore, "no-gitignore", false, "Do not apply .gitignore rules")
	f.BoolVar(&dryRun, "dry-run", false, "Print the files that would be uploaded")
	return cmd
}
