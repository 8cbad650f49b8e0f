package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/api"
	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/eventbus"
	"github.com/go-go-golems/naxie/pkg/export"
	"github.com/go-go-golems/naxie/pkg/filefilter"
	"github.com/go-go-golems/naxie/pkg/naxie"
)

const chatHelp = `commands:
  /regenerate        ask for the last answer again
  /clear             clear the conversation and context
  /copy              copy the last answer to the clipboard
  /settings          pick domain, tags, prompt and sensitivity
  /model [id]        list models or select one
  /web               toggle web search
  /deep              toggle deep research
  /context           show the retrieved context of the last answer
  /export <file>     write the transcript (.md or .html)
  /upload <path>...  upload documents (directories are walked)
  /quit              leave`

type chatOptions struct {
	render         string
	answerTimeout  time.Duration
	metadataGrace  time.Duration
	connectTimeout time.Duration
}

func newChatCommand(a *app) *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireWebsocket(); err != nil {
				return err
			}
			return runChat(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.render, "render", "auto", "Answer rendering: auto, plain or markdown")
	cmd.Flags().DurationVar(&opts.answerTimeout, "answer-timeout", 2*time.Minute, "How long to wait for an answer")
	cmd.Flags().DurationVar(&opts.metadataGrace, "metadata-grace", 500*time.Millisecond, "How long to wait for references after an answer ends")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 15*time.Second, "Connection timeout")
	return cmd
}

type chatREPL struct {
	s    *chatSession
	view *chatView
	opts chatOptions

	models  []api.Model
	options *api.SettingsOptions
}

func runChat(ctx context.Context, a *app, opts chatOptions) error {
	styled := false
	switch opts.render {
	case "markdown":
		styled = true
	case "plain":
	case "auto", "":
		styled = isatty.IsTerminal(os.Stdout.Fd())
	default:
		return errors.Errorf("unknown render mode %q", opts.render)
	}

	s, err := a.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	r := &chatREPL{s: s, view: newChatView(os.Stdout, styled), opts: opts}
	s.ctrl.Subscribe(r.view.OnState)
	s.ctrl.On(eventbus.Notice, func(ev eventbus.Event) {
		if n, ok := ev.Payload.(eventbus.NoticePayload); ok {
			r.view.Notice(n.Message)
		}
	})
	s.ctrl.On(eventbus.ConnectionError, func(ev eventbus.Event) {
		if err, ok := ev.Payload.(error); ok {
			r.view.Error(err)
		}
	})
	s.ctrl.On(eventbus.ConnectionClosed, func(eventbus.Event) {
		r.view.Info("disconnected; the next message reconnects")
	})

	if err := connectWithTimeout(ctx, s, opts.connectTimeout); err != nil {
		return err
	}
	r.models = s.ctrl.LoadModels(ctx)
	r.view.Info(fmt.Sprintf("connected, model %s. /help lists commands.", s.ctrl.State().SelectedModel))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Print(r.view.label(chatstate.RoleUser))
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.view.Error(err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.ask(ctx, func() error { return s.ctrl.SendQuery(line) }); err != nil {
			r.view.Error(err)
		}
	}
}

// ask sends through fn and blocks until the answer and its references arrived.
func (r *chatREPL) ask(ctx context.Context, fn func() error) error {
	if !r.s.ctrl.IsOpen() {
		r.view.Info("reconnecting...")
		if err := connectWithTimeout(ctx, r.s, r.opts.connectTimeout); err != nil {
			return err
		}
	}
	r.view.drain()
	if err := fn(); err != nil {
		return err
	}
	if !r.s.ctrl.State().IsLoading {
		// either nothing was sent or the answer already finished
		select {
		case <-r.view.idle:
		default:
			return nil
		}
	} else {
		select {
		case <-r.view.idle:
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.answerTimeout):
			return errors.New("timed out waiting for an answer")
		}
	}
	select {
	case <-r.view.refs:
	case <-ctx.Done():
	case <-time.After(r.opts.metadataGrace):
	}
	return nil
}

func (r *chatREPL) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	ctrl := r.s.ctrl

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.view.Info(chatHelp)
	case "/regenerate":
		return false, r.ask(ctx, ctrl.Regenerate)
	case "/clear":
		ctrl.ClearHistory()
		r.view.Info("conversation cleared")
	case "/copy":
		last := lastAnswer(ctrl.State())
		if last == "" {
			return false, errors.New("no answer to copy")
		}
		if err := clipboard.WriteAll(last); err != nil {
			return false, errors.Wrap(err, "copy to clipboard")
		}
		r.view.Info("answer copied")
	case "/web":
		on := !ctrl.State().WebSearch
		ctrl.SetWebSearch(on)
		r.view.Info("web search " + onOff(on))
	case "/deep":
		on := !ctrl.State().DeepResearch
		ctrl.SetDeepResearch(on)
		r.view.Info("deep research " + onOff(on))
	case "/model":
		return false, r.model(ctx, args)
	case "/context":
		items := ctrl.State().Context
		if len(items) == 0 {
			r.view.Info("no context")
		}
		for _, it := range items {
			r.view.Info(fmt.Sprintf("%s:\n  %s", it.Filename, strings.ReplaceAll(it.Text, "\n", "\n  ")))
		}
	case "/export":
		if len(args) != 1 {
			return false, errors.New("usage: /export <file.md|file.html>")
		}
		return false, writeExport(args[0], ctrl.State().Transcript)
	case "/upload":
		if len(args) == 0 {
			return false, errors.New("usage: /upload <file>...")
		}
		files, err := filefilter.New().Collect(args...)
		if err != nil {
			return false, err
		}
		if err := ctrl.UploadPaths(ctx, files...); err != nil {
			return false, err
		}
		r.view.Info(fmt.Sprintf("uploaded %d file(s)", len(files)))
	case "/settings":
		return false, r.settings(ctx)
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func (r *chatREPL) model(ctx context.Context, args []string) error {
	ctrl := r.s.ctrl
	if len(args) == 0 {
		if len(r.models) == 0 {
			r.models = ctrl.LoadModels(ctx)
		}
		current := ctrl.State().SelectedModel
		for _, m := range r.models {
			mark := "  "
			if m.ID == current {
				mark = "* "
			}
			r.view.Info(mark + m.ID)
		}
		if len(r.models) == 0 {
			r.view.Info("* " + current)
		}
		return nil
	}
	ctrl.SetSelectedModel(args[0])
	r.view.Info("model " + args[0])
	return nil
}

func (r *chatREPL) settings(ctx context.Context) error {
	ctrl := r.s.ctrl
	if r.options == nil {
		opts := ctrl.LoadSettingsOptions(ctx)
		r.options = &opts
	}
	cur := ctrl.State().Settings

	domainID := ""
	if cur.Domain != nil {
		domainID = string(cur.Domain.ID)
	}
	domainOpts := []huh.Option[string]{huh.NewOption("none", "")}
	for _, d := range r.options.Domains {
		domainOpts = append(domainOpts, huh.NewOption(d.Name, string(d.ID)))
	}

	tagIDs := cur.TagIDs()
	tagOpts := make([]huh.Option[string], 0, len(r.options.Tags))
	for _, t := range r.options.Tags {
		tagOpts = append(tagOpts, huh.NewOption(t.Name, string(t.ID)))
	}

	prompt := cur.Prompt
	promptOpts := []huh.Option[string]{huh.NewOption("none", "")}
	for _, p := range r.options.Prompts {
		promptOpts = append(promptOpts, huh.NewOption(p.Label(), p.Text()))
	}

	sensitivity := strconv.Itoa(cur.Sensitivity)

	fields := []huh.Field{
		huh.NewSelect[string]().Title("Domain").Options(domainOpts...).Value(&domainID),
	}
	if len(tagOpts) > 0 {
		fields = append(fields, huh.NewMultiSelect[string]().Title("Tags").Options(tagOpts...).Value(&tagIDs))
	}
	fields = append(fields,
		huh.NewSelect[string]().Title("Prompt").Options(promptOpts...).Value(&prompt),
		huh.NewInput().Title("Sensitivity (0-100)").Value(&sensitivity).Validate(func(s string) error {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || n < 0 || n > 100 {
				return errors.New("enter a number between 0 and 100")
			}
			return nil
		}),
	)

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return errors.Wrap(err, "settings form")
	}

	n, _ := strconv.Atoi(strings.TrimSpace(sensitivity))
	mods := []chatstate.SettingsMod{
		chatstate.WithDomain(findDomain(r.options.Domains, domainID)),
		chatstate.WithTags(findTags(r.options.Tags, tagIDs)...),
		chatstate.WithPrompt(prompt),
		chatstate.WithSensitivity(n),
	}
	st := ctrl.UpdateSettings(mods...)
	r.view.Info(fmt.Sprintf("settings saved, score %s", naxie.SensitivityScore(st.Sensitivity)))
	return nil
}

func findDomain(domains []chatstate.Domain, id string) *chatstate.Domain {
	for _, d := range domains {
		if string(d.ID) == id {
			return &d
		}
	}
	return nil
}

func findTags(tags []chatstate.Tag, ids []string) []chatstate.Tag {
	out := make([]chatstate.Tag, 0, len(ids))
	for _, id := range ids {
		for _, t := range tags {
			if string(t.ID) == id {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func lastAnswer(st chatstate.State) string {
	entries := st.Transcript.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == chatstate.RoleAssistant && entries[i].Content != "" {
			return entries[i].Content
		}
	}
	return ""
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func writeExport(path string, t chatstate.Transcript) error {
	var (
		out string
		err error
	)
	if strings.HasSuffix(strings.ToLower(path), ".html") {
		out, err = export.HTML(t, export.Options{Title: "naxie conversation"})
	} else {
		out, err = export.Markdown(t, export.Options{Title: "naxie conversation"})
	}
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, []byte(out), 0o644), "write %s", path)
}
