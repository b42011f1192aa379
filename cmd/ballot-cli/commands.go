package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"ballotsync/election"
	"ballotsync/explorer"
	"ballotsync/phase"
	"ballotsync/report"
	"ballotsync/session"
)

func parseFlags(name string, args []string, stderr io.Writer, define func(fs *flag.FlagSet)) bool {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

// withClient opens a session, runs fn and maps its error to an exit code.
func withClient(ctx context.Context, stderr io.Writer, fn func(c client) error) int {
	c, closeFn, err := openClient(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	defer closeFn()
	if err := fn(c); err != nil {
		return reportError(stderr, err)
	}
	return 0
}

func reportError(stderr io.Writer, err error) int {
	var typed *election.Error
	if errors.As(err, &typed) && typed.Reason != "" {
		fmt.Fprintf(stderr, "Error (%s): %s\n", election.KindName(err), typed.Reason)
	} else {
		fmt.Fprintf(stderr, "Error (%s): %v\n", election.KindName(err), err)
	}
	if errors.Is(err, election.ErrTimeout) {
		fmt.Fprintln(stderr, "The transaction is still pending; check status again later.")
	}
	return 1
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	var out string
	if !parseFlags("generate-key", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "out", "", "keystore file to create")
	}) {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		return 1
	}
	if _, err := os.Stat(out); err == nil {
		fmt.Fprintf(stderr, "Error: %s already exists\n", out)
		return 1
	}
	key, err := keystoreFor(out)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore: %s\n", key.Address().Hex(), out)
	return 0
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !parseFlags("status", args, stderr, nil) {
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		snap, ok := c.Snapshot()
		if !ok {
			return errors.New("no snapshot available")
		}
		printStatus(stdout, snap, c.Links(), time.Now())
		return nil
	})
}

func printStatus(w io.Writer, snap session.Snapshot, links explorer.Links, now time.Time) {
	view := snap.View(now)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Election:\t%s\n", snap.Election.Hex())
	if link := links.Address(snap.Election); link != "" {
		fmt.Fprintf(tw, "Explorer:\t%s\n", link)
	}
	fmt.Fprintf(tw, "Phase:\t%s\n", view.Displayed)
	if view.AwaitingLedgerClose() {
		fmt.Fprintf(tw, "\t(deadline passed, waiting for the admin to end voting)\n")
	}
	if snap.Flags.Started && !snap.Flags.Ended {
		fmt.Fprintf(tw, "Countdown:\t%s\n", phase.FormatRemaining(view.Remaining))
	}
	fmt.Fprintf(tw, "Admin:\t%s\n", explorer.ShortAddress(snap.Admin))
	fmt.Fprintf(tw, "Registered voters:\t%d\n", snap.VoterCount)
	fmt.Fprintf(tw, "You:\t%s", snap.Identity.Hex())
	if snap.IsAdmin {
		fmt.Fprint(tw, " (admin)")
	}
	fmt.Fprintln(tw)
	switch {
	case snap.Record.HasVoted:
		fmt.Fprintf(tw, "Your vote:\t%s\n", snap.VotedCandidateName)
	case snap.Record.IsRegistered:
		fmt.Fprintf(tw, "Your status:\tregistered\n")
	default:
		fmt.Fprintf(tw, "Your status:\tnot registered\n")
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCANDIDATE\tVOTES")
	for _, cand := range snap.Candidates {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", cand.ID, cand.Name, cand.VoteCount)
	}
	_ = tw.Flush()
}

func runRegister(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !parseFlags("register", args, stderr, nil) {
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		res, err := c.Register(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Registered %s in tx %s\n", c.Identity().Hex(), res.Receipt.Hash.Hex())
		return nil
	})
}

func runVote(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var candidate uint64
	if !parseFlags("vote", args, stderr, func(fs *flag.FlagSet) {
		fs.Uint64Var(&candidate, "candidate", 0, "candidate id")
	}) {
		return 1
	}
	if candidate == 0 {
		fmt.Fprintln(stderr, "Error: --candidate is required")
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		res, err := c.Vote(ctx, candidate)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Voted for candidate %d in tx %s\n", candidate, res.Receipt.Hash.Hex())
		return nil
	})
}

func runWinner(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !parseFlags("winner", args, stderr, nil) {
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		name, err := c.Winner(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Winner: %s\n", name)
		return nil
	})
}

func runAudit(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var limit int
	if !parseFlags("audit", args, stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 10, "number of events")
	}) {
		return 1
	}
	if limit <= 0 {
		fmt.Fprintln(stderr, "Error: --limit must be positive")
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		events, err := c.Audit(ctx, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(stdout, "No votes recorded yet.")
			return nil
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "BLOCK\tACTION\tVOTER\tCANDIDATE\tTX")
		for _, ev := range events {
			link := ev.ExplorerURL
			if link == "" {
				link = ev.TxHash.Hex()
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", ev.BlockHeight, explorer.ActionLabel(string(ev.Kind)),
				explorer.ShortAddress(ev.Participant), ev.CandidateID, link)
		}
		return tw.Flush()
	})
}

func runReport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var format, out string
	if !parseFlags("report", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&format, "format", "txt", "csv, parquet or txt")
		fs.StringVar(&out, "out", "", "output file (default stdout)")
	}) {
		return 1
	}
	var write func(io.Writer, report.Report) error
	switch format {
	case "csv":
		write = report.WriteCSV
	case "parquet":
		write = report.WriteParquet
	case "txt":
		write = report.WritePrintable
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", format)
		return 1
	}
	if format == "parquet" && out == "" {
		fmt.Fprintln(stderr, "Error: --out is required for parquet")
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		rep, err := c.Report(ctx)
		if err != nil {
			return err
		}
		if out == "" {
			return write(stdout, rep)
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := write(f, rep); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Report written to %s\n", out)
		return nil
	})
}

func runCreateElection(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !parseFlags("create-election", args, stderr, nil) {
		return 1
	}
	addr, admin, err := createElection(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	fmt.Fprintf(stdout, "Election %s created, administered by %s\n", addr.Hex(), admin.Hex())
	return 0
}

func runAddCandidate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var name, image string
	if !parseFlags("add-candidate", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&name, "name", "", "candidate name")
		fs.StringVar(&image, "image", "", "candidate image URL")
	}) {
		return 1
	}
	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(stderr, "Error: --name is required")
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		id, err := c.AddCandidate(ctx, name, image)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Candidate %d added\n", id)
		return nil
	})
}

func runStart(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var minutes int
	var rawDeadline string
	if !parseFlags("start", args, stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&minutes, "minutes", 0, "voting duration in minutes")
		fs.StringVar(&rawDeadline, "deadline", "", "RFC3339 deadline")
	}) {
		return 1
	}
	var deadline time.Time
	switch {
	case rawDeadline != "" && minutes > 0:
		fmt.Fprintln(stderr, "Error: use either --minutes or --deadline")
		return 1
	case rawDeadline != "":
		parsed, err := time.Parse(time.RFC3339, rawDeadline)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid --deadline: %v\n", err)
			return 1
		}
		deadline = parsed
	case minutes > 0:
		deadline = time.Now().Add(time.Duration(minutes) * time.Minute)
	default:
		fmt.Fprintln(stderr, "Error: --minutes or --deadline is required")
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		if err := c.StartVoting(ctx, deadline); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Voting open until %s\n", deadline.UTC().Format(time.RFC3339))
		return nil
	})
}

func runEnd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !parseFlags("end", args, stderr, nil) {
		return 1
	}
	return withClient(ctx, stderr, func(c client) error {
		if err := c.EndVoting(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Voting ended")
		return nil
	})
}
