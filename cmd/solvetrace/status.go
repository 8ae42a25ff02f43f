package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/buffer"
	"github.com/thebtf/solvetrace/internal/tracker"
	"github.com/thebtf/solvetrace/pkg/models"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show buffered sessions and pending unload batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, closer, err := tracker.OpenStorage(a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			state, err := buffer.Peek(cmd.Context(), storage)
			if err != nil {
				return err
			}

			if state.UserID == "" {
				cmd.Println("buffer: empty")
			} else {
				cmd.Printf("buffer: user %s", state.UserID)
				if !state.LastUpdated.IsZero() {
					cmd.Printf(", updated %s", humanize.Time(state.LastUpdated))
				}
				cmd.Println()
			}
			if cur := state.CurrentSession; cur != nil {
				cmd.Printf("  current  %s\n", describeSession(cur))
			}
			for _, s := range state.BufferedSessions {
				cmd.Printf("  queued   %s\n", describeSession(s))
			}

			spool, err := beacon.NewSpool(a.cfg.SpoolDir)
			if err != nil {
				return err
			}
			files, err := spool.List()
			if err != nil {
				return err
			}
			cmd.Printf("spool: %s pending batches in %s\n", humanize.Comma(int64(len(files))), spool.Dir())
			return nil
		},
	}
}

func describeSession(s *models.Session) string {
	line := s.SessionID + " problem " + s.ProblemID +
		" edits " + humanize.Comma(int64(s.EditCount)) +
		" submissions " + humanize.Comma(int64(s.SubmissionCount)) +
		" started " + humanize.Time(s.SessionStartTime)
	if s.Summary != nil && s.Summary.Solved {
		line += " solved"
	}
	return line
}
