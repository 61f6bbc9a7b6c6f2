package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/nmxmxh/answerflow/internal/model"
)

var (
	good    = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed, color.Bold)
	muted   = color.New(color.FgHiBlack)
	heading = color.New(color.FgCyan, color.Bold)
)

// StatusColor picks the color a status is printed in.
func StatusColor(s model.Status) *color.Color {
	switch s {
	case model.StatusDelivered, model.StatusRated, model.StatusApproved:
		return good
	case model.StatusRejected, model.StatusCancelled:
		return bad
	case model.StatusExpertReview, model.StatusComplianceCheck, model.StatusHumanizing:
		return warn
	}
	return muted
}

func severityColor(s model.Severity) *color.Color {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return bad
	case model.SeverityMedium:
		return warn
	}
	return muted
}

func render(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// RenderStatus prints one snapshot.
func RenderStatus(w io.Writer, snap *model.StatusSnapshot) error {
	heading.Fprintf(w, "Question %s\n", snap.QuestionID)
	delivered := "-"
	if snap.DeliveredAt != nil {
		delivered = ts(*snap.DeliveredAt)
	}
	rows := [][]string{
		{"status", StatusColor(snap.Status).Sprint(string(snap.Status))},
		{"answer", orDash(snap.AnswerID)},
		{"confidence", fmt.Sprintf("%.2f", snap.Confidence)},
		{"approval", orDash(string(snap.Approval))},
		{"compliance retries", fmt.Sprint(snap.Retries)},
		{"open flags", flagCount(snap.OpenFlags)},
		{"updated", ts(snap.UpdatedAt)},
		{"delivered", delivered},
	}
	if err := render(w, []string{"Field", "Value"}, rows); err != nil {
		return err
	}
	if snap.Answer != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, snap.Answer)
	}
	return nil
}

func flagCount(n int) string {
	if n == 0 {
		return "0"
	}
	return bad.Sprint(n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RenderAudit prints entries oldest first.
func RenderAudit(w io.Writer, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		muted.Fprintln(w, "no audit entries")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{ts(e.CreatedAt), actionLabel(e), e.ActorID, orDash(e.QuestionID), details(e.Details)})
	}
	return render(w, []string{"Time", "Action", "Actor", "Question", "Details"}, rows)
}

func actionLabel(e model.AuditEntry) string {
	switch e.Action {
	case model.ActionStatusTransition:
		return fmt.Sprintf("%v → %v", e.Details["from"], e.Details["to"])
	case model.ActionStageFailed, model.ActionComplianceFailed, model.ActionAIGenerationFail:
		return bad.Sprint(e.Action)
	case model.ActionAIBypass, model.ActionOriginalityPass, model.ActionConfidenceOverr,
		model.ActionHumanizationSkip, model.ActionExpertBypass, model.ActionForceDeliver,
		model.ActionForceReject, model.ActionCancel, model.ActionRequeue:
		return warn.Sprint(e.Action)
	}
	return e.Action
}

// details flattens a details map into sorted key=value pairs.
func details(d map[string]interface{}) string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		if k == "from" || k == "to" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}

// RenderFlags prints compliance flags.
func RenderFlags(w io.Writer, flags []model.ComplianceFlag) error {
	if len(flags) == 0 {
		muted.Fprintln(w, "no flags")
		return nil
	}
	rows := make([][]string, 0, len(flags))
	for _, f := range flags {
		state := warn.Sprint("open")
		if f.Resolved {
			state = good.Sprint("resolved")
		}
		rows = append(rows, []string{
			f.ID,
			string(f.Reason),
			severityColor(f.Severity).Sprint(string(f.Severity)),
			fmt.Sprintf("%.2f / %.2f", f.Score, f.Threshold),
			state,
			orDash(f.QuestionID),
			ts(f.CreatedAt),
		})
	}
	return render(w, []string{"ID", "Reason", "Severity", "Score / Threshold", "State", "Question", "Created"}, rows)
}
