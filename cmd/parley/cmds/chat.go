package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/parley/pkg/attachments"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/generation"
	"github.com/go-go-golems/parley/pkg/notify"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const eventTopic = "generation"

type chatSettings struct {
	Conversation string
	Connection   string
	Variants     int
	ShowMetadata bool
	PrintEvents  bool
	Render       bool
}

func NewChatCommand() *cobra.Command {
	s := &chatSettings{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Generate the next assistant answer of a conversation file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.Conversation == "" {
				return errors.New("--conversation is required")
			}
			if s.Variants < 1 {
				return errors.New("--variants must be at least 1")
			}
			return runChat(cmd.Context(), cmd.OutOrStdout(), s)
		},
	}

	cmd.Flags().StringVarP(&s.Conversation, "conversation", "f", "", "Conversation YAML file")
	cmd.Flags().StringVarP(&s.Connection, "connection", "c", "", "Connection id (default: selected-connection)")
	cmd.Flags().IntVarP(&s.Variants, "variants", "n", 1, "Number of answer variants to generate concurrently")
	cmd.Flags().BoolVar(&s.ShowMetadata, "show-metadata", false, "Print the parameters sent and the metadata returned")
	cmd.Flags().BoolVar(&s.PrintEvents, "print-events", false, "Print the generation events to stderr")
	cmd.Flags().BoolVar(&s.Render, "render", true, "Render the answer as markdown when writing to a terminal")

	return cmd
}

func runChat(ctx context.Context, w io.Writer, s *chatSettings) error {
	if ctx == nil {
		ctx = context.Background()
	}

	file, err := conversation.LoadFile(s.Conversation)
	if err != nil {
		return err
	}
	persona := file.Persona
	if persona == nil {
		if description := viper.GetString("persona"); description != "" {
			persona = &conversation.Persona{Name: "default", Description: description}
		}
	}

	conn, err := selectConnection(s.Connection)
	if err != nil {
		return err
	}
	if conn == nil || !conn.Usable() {
		return errors.New("no usable connection configured, set host and model")
	}

	resolver, err := newResolver(filepath.Dir(s.Conversation))
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(events.WithLogger(events.NewWatermillLogger(log.Logger)))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddHandler("log-events", eventTopic, router.LogEvents)
	if s.PrintEvents {
		router.AddHandler("dump-events", eventTopic, router.DumpRawEvents(os.Stderr))
	}

	routerCtx, cancelRouter := context.WithCancel(ctx)
	defer cancelRouter()
	go func() {
		if err := router.Run(routerCtx); err != nil {
			log.Error().Err(err).Msg("Event router stopped")
		}
	}()
	select {
	case <-router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}

	toasts := notify.NewToastQueue()
	manager := generation.NewManager(
		generation.WithResolver(resolver),
		generation.WithEventSinks(router.Sink(eventTopic)),
		generation.WithNotifier(toasts),
	)

	variants := make([]*conversation.Variant, s.Variants)
	for i := range variants {
		variants[i] = conversation.NewBotVariant("")
	}
	node, err := file.Tree.Append(variants...)
	if err != nil {
		return err
	}
	ancestry := file.Tree.Ancestry(node.ID)

	stop := cancelOnInterrupt(manager, variants)
	defer stop()

	render := s.Render && isatty.IsTerminal(os.Stdout.Fd())
	streaming := s.Variants == 1 && !render

	errs := make([]error, len(variants))
	eg := errgroup.Group{}
	for i, v := range variants {
		i, v := i, v
		eg.Go(func() error {
			g := manager.Generate(ctx, generation.Request{
				Ancestry:   ancestry,
				CutoffID:   node.ID,
				Target:     v,
				Connection: conn,
				Persona:    persona,
			})
			if streaming {
				for chunk := range g.Chunks() {
					_, _ = fmt.Fprint(w, chunk)
				}
				_, _ = fmt.Fprintln(w)
				errs[i] = g.Err()
				return nil
			}
			errs[i] = g.Wait()
			return nil
		})
	}
	_ = eg.Wait()

	for i, v := range variants {
		if !streaming {
			if s.Variants > 1 {
				_, _ = fmt.Fprintf(w, "## Variant %d\n\n", i+1)
			}
			if err := printAnswer(w, v.Content(), render); err != nil {
				return err
			}
		}
		if s.ShowMetadata {
			if err := printMetadata(w, v); err != nil {
				return err
			}
		}
	}

	for _, t := range toasts.List() {
		_, _ = fmt.Fprintf(os.Stderr, "[%s] %s\n", t.Type, t.Message)
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func newResolver(baseDir string) (attachments.Resolver, error) {
	disk, err := attachments.NewDiskCache(
		attachments.WithDirectory(expandHome(viper.GetString("attachments.cache-dir"))),
	)
	if err != nil {
		return nil, err
	}
	return attachments.Chain{
		attachments.NewMemoryCache(viper.GetInt("attachments.memory-entries")),
		disk,
		&attachments.FileResolver{BaseDir: baseDir},
	}, nil
}

// cancelOnInterrupt cancels the running variants on SIGINT. Whatever was
// received until then is kept and printed.
func cancelOnInterrupt(m *generation.Manager, variants []*conversation.Variant) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			for _, v := range variants {
				if m.Cancel(v.ID) {
					log.Info().Str("generation_id", v.ID.String()).Msg("Cancelled generation")
				}
			}
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func printAnswer(w io.Writer, text string, render bool) error {
	if render {
		styled, err := glamour.Render(text, "dark")
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, styled)
		return err
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func printMetadata(w io.Writer, v *conversation.Variant) error {
	details := v.ExtraDetails()
	if details == nil {
		return nil
	}
	out, err := yaml.Marshal(map[string]interface{}{
		"sent-with":     details.SentWith,
		"returned-with": details.ReturnedWith,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "---\n%s", out)
	return err
}
