package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"vigil/internal/api"
	"vigil/internal/session"
	"vigil/internal/stream"
)

var (
	planColor  = color.New(color.FgYellow).SprintFunc()
	toolColor  = color.New(color.FgCyan).SprintFunc()
	errColor   = color.New(color.FgRed).SprintFunc()
	faintColor = color.New(color.FgHiBlack).SprintFunc()
)

// runAsk streams one turn straight to stdout: plan and tool activity as
// colored side notes, the final answer as plain text so the output pipes
// cleanly.
func runAsk(ctx context.Context, a *app, subject session.Subject, question string) error {
	if noColor, _ := os.LookupEnv("NO_COLOR"); noColor != "" || !isTTY() {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	activation, err := a.manager.Activate(ctx, subject)
	if err != nil {
		return err
	}

	body, err := a.client.SubmitTurn(ctx, api.TurnRequest{
		Message:   question,
		SessionID: activation.SessionID,
		SubjectContext: api.SubjectContext{
			Ticker:     subject.Key,
			AlertID:    subject.AlertID,
			AlertLabel: subject.AlertLabel,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	inPlan := false
	decoder := stream.NewDecoder(a.logger)
	err = decoder.Run(ctx, body, func(ev stream.Event) {
		switch ev.Type {
		case stream.EventToken:
			switch {
			case ev.Node == stream.NodePlanner:
				if !inPlan {
					fmt.Println(faintColor("· planning"))
					inPlan = true
				}
				fmt.Print(planColor(ev.Content))
			case stream.IsFinalNode(ev.Node):
				if inPlan {
					fmt.Print("\n\n")
					inPlan = false
				}
				fmt.Print(ev.Content)
			}
		case stream.EventToolStart:
			if inPlan {
				fmt.Println()
				inPlan = false
			}
			label := ev.Tool
			if ev.Commentary != "" {
				label += " — " + ev.Commentary
			}
			fmt.Println(toolColor("⏺ " + label))
		case stream.EventToolEnd:
			if ev.Succeeded() {
				fmt.Println(toolColor(fmt.Sprintf("  ✓ %s (%dms)", ev.Tool, ev.DurationMS)))
			} else {
				fmt.Println(errColor(fmt.Sprintf("  ✗ %s: %s", ev.Tool, ev.ErrorMessage)))
			}
		case stream.EventArtifactCreated:
			fmt.Println(faintColor("📎 " + ev.ArtifactName + " → " +
				a.client.ArtifactURL(activation.SessionID, ev.RelativePath)))
		case stream.EventDone:
			fmt.Println()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println(faintColor("\n⏹ stopped"))
			return nil
		}
		return fmt.Errorf("turn stream: %w", err)
	}
	return nil
}
