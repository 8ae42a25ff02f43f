package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/solvetrace/internal/config"
	"github.com/thebtf/solvetrace/internal/tracker"
	"github.com/thebtf/solvetrace/pkg/models"
)

// Record operations read from stdin, one JSON object per line.
const (
	opStart    = "start"
	opEdit     = "edit"
	opSubmit   = "submit"
	opFinalize = "finalize"
	opHidden   = "hidden"
	opUnload   = "unload"
)

// activity is one line of host input.
type activity struct {
	Op       string                `json:"op"`
	Problem  models.ProblemContext `json:"problem"`
	Content  string                `json:"content"`
	Language string                `json:"language"`
	Success  bool                  `json:"success"`
	Metadata map[string]any        `json:"metadata"`
}

// reply is written to stdout for operations that produce a result.
type reply struct {
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
	Error     string `json:"error,omitempty"`
}

type identityFlags struct {
	userID   string
	userName string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&f.userName, "name", "", "User display name")
	_ = cmd.MarkFlagRequired("user")
}

func (f *identityFlags) identity() models.Identity {
	return models.Identity{UserID: f.userID, UserName: f.userName}
}

func openTracker(cfg *config.Config, who models.Identity) (*tracker.Tracker, io.Closer, error) {
	storage, closer, err := tracker.OpenStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	client := tracker.OpenRemote(cfg)
	tr, err := tracker.New(cfg, who, storage, client, tracker.OpenBeacon(cfg, client))
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return tr, closer, nil
}

func newRecordCmd(a *app) *cobra.Command {
	var id identityFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record activity read as JSON lines from stdin",
		Long: `Record reads one JSON object per line from stdin and drives a tracker:

  {"op":"start","problem":{"problemId":"42","problemTitle":"...","difficulty":"easy","topics":["dp"]}}
  {"op":"edit","content":"...","language":"go"}
  {"op":"submit","language":"go","success":true,"metadata":{"verdict":"AC"}}
  {"op":"finalize"}
  {"op":"hidden"}
  {"op":"unload"}

End of input is treated as unload.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, closer, err := openTracker(a.cfg, id.identity())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			defer func() { _ = tr.Close() }()

			ctx, cancel := signalContext()
			defer cancel()
			tr.Go(ctx)

			return runRecord(ctx, tr, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	id.register(cmd)
	return cmd
}

// runRecord applies activity lines from in until unload, end of input or
// cancellation.
func runRecord(ctx context.Context, tr *tracker.Tracker, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return tr.OnUnload()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					log.Warn().Err(err).Msg("Reading activity failed")
				}
				return tr.OnUnload()
			}
			if len(line) == 0 {
				continue
			}
			done, err := applyActivity(ctx, tr, line, enc)
			if err != nil {
				_ = enc.Encode(reply{Error: err.Error()})
				continue
			}
			if done {
				return nil
			}
		}
	}
}

func applyActivity(ctx context.Context, tr *tracker.Tracker, line []byte, enc *json.Encoder) (bool, error) {
	var act activity
	if err := json.Unmarshal(line, &act); err != nil {
		return false, fmt.Errorf("decode activity: %w", err)
	}

	switch act.Op {
	case opStart:
		return false, enc.Encode(reply{Op: act.Op, SessionID: tr.Start(act.Problem)})
	case opEdit:
		tr.RecordEdit(act.Content, act.Language)
	case opSubmit:
		tr.RecordSubmission(act.Language, act.Success, act.Metadata)
	case opFinalize:
		r := reply{Op: act.Op}
		if s := tr.Finalize(); s != nil {
			r.SessionID = s.SessionID
		}
		return false, enc.Encode(r)
	case opHidden:
		accepted := tr.OnHidden(ctx)
		return false, enc.Encode(reply{Op: act.Op, Accepted: &accepted})
	case opUnload:
		if err := tr.OnUnload(); err != nil {
			return true, err
		}
		return true, enc.Encode(reply{Op: act.Op})
	default:
		return false, fmt.Errorf("unknown op %q", act.Op)
	}
	return false, nil
}

func newFlushCmd(a *app) *cobra.Command {
	var id identityFlags

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver a user's buffered sessions now",
		Long:  "Flush delivers the buffered sessions of a user. A session left open by a process that died is finalized first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, closer, err := openTracker(a.cfg, id.identity())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			defer func() { _ = tr.Close() }()

			res, err := tr.Flush(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("delivered %d of %d sessions", res.Delivered, res.Attempted)
			if res.Failed > 0 {
				cmd.Printf(", %d kept for retry", res.Failed)
			}
			cmd.Println()
			return nil
		},
	}
	id.register(cmd)
	return cmd
}
