package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

// The domain structs carry no JSON tags; the views below are the CLI's wire
// form, shared by --format=json output and the text renderers.

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// ruleDoc is the JSON document accepted by "rules create".
type ruleDoc struct {
	Code   string `json:"code,omitempty"`
	Target struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"target"`

	Frequency string `json:"frequency"`
	Interval  int    `json:"interval,omitempty"`

	AnchorKind           string `json:"anchor_kind,omitempty"` // defaults to calendar
	AnchorDate           string `json:"anchor_date"`           // YYYY-MM-DD
	FiscalYearStartMonth int    `json:"fiscal_year_start_month,omitempty"`

	StartsAt string `json:"starts_at"`          // RFC3339
	EndsAt   string `json:"ends_at,omitempty"`  // RFC3339
	Timezone string `json:"timezone"`

	RecoveryMode string `json:"recovery_mode,omitempty"`
}

// parseRuleDoc decodes a rule document into a domain rule. Frequency,
// status and recovery defaults are left to the rule service; only shapes
// the service cannot see, date formats mostly, are resolved here.
func parseRuleDoc(tenantID string, doc []byte) (*domain.RecurrenceRule, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()

	var parsed ruleDoc
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: rule document is not valid JSON: %v", domain.ErrBadRule, err)
	}

	rule := &domain.RecurrenceRule{
		TenantID:             tenantID,
		Code:                 parsed.Code,
		Target:               domain.TargetRef{Kind: parsed.Target.Kind, ID: parsed.Target.ID},
		Frequency:            domain.Frequency(parsed.Frequency),
		Interval:             parsed.Interval,
		AnchorKind:           domain.AnchorKind(parsed.AnchorKind),
		FiscalYearStartMonth: parsed.FiscalYearStartMonth,
		Timezone:             parsed.Timezone,
		RecoveryMode:         domain.RecoveryMode(parsed.RecoveryMode),
	}
	if rule.AnchorKind == "" {
		rule.AnchorKind = domain.AnchorCalendar
	}

	if parsed.AnchorDate != "" {
		date, err := domain.ParseCivilDate(parsed.AnchorDate)
		if err != nil {
			return nil, err
		}
		rule.AnchorDate = date
	}

	if parsed.StartsAt != "" {
		t, err := time.Parse(time.RFC3339, parsed.StartsAt)
		if err != nil {
			return nil, fmt.Errorf("%w: starts_at %q is not RFC3339", domain.ErrBadRule, parsed.StartsAt)
		}
		rule.StartsAt = t
	}
	if parsed.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, parsed.EndsAt)
		if err != nil {
			return nil, fmt.Errorf("%w: ends_at %q is not RFC3339", domain.ErrBadRule, parsed.EndsAt)
		}
		rule.EndsAt = &t
	}

	return rule, nil
}

type targetView struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type ruleView struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	Code                 string     `json:"code,omitempty"`
	Target               targetView `json:"target"`
	Frequency            string     `json:"frequency"`
	Interval             int        `json:"interval"`
	AnchorKind           string     `json:"anchor_kind"`
	AnchorDate           string     `json:"anchor_date"`
	FiscalYearStartMonth int        `json:"fiscal_year_start_month,omitempty"`
	StartsAt             string     `json:"starts_at"`
	EndsAt               string     `json:"ends_at,omitempty"`
	Timezone             string     `json:"timezone"`
	Status               string     `json:"status"`
	RecoveryMode         string     `json:"recovery_mode"`
	CreatedAt            string     `json:"created_at"`
	UpdatedAt            string     `json:"updated_at"`
}

func newRuleView(rule *domain.RecurrenceRule) ruleView {
	return ruleView{
		ID:                   rule.ID,
		TenantID:             rule.TenantID,
		Code:                 rule.Code,
		Target:               targetView{Kind: rule.Target.Kind, ID: rule.Target.ID},
		Frequency:            string(rule.Frequency),
		Interval:             rule.Interval,
		AnchorKind:           string(rule.AnchorKind),
		AnchorDate:           rule.AnchorDate.String(),
		FiscalYearStartMonth: rule.FiscalYearStartMonth,
		StartsAt:             fmtTime(rule.StartsAt),
		EndsAt:               fmtTimePtr(rule.EndsAt),
		Timezone:             rule.Timezone,
		Status:               string(rule.Status),
		RecoveryMode:         string(rule.RecoveryMode),
		CreatedAt:            fmtTime(rule.CreatedAt),
		UpdatedAt:            fmtTime(rule.UpdatedAt),
	}
}

func newRuleViews(rules []*domain.RecurrenceRule) []ruleView {
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, newRuleView(rule))
	}
	return views
}

func renderRule(w io.Writer, v ruleView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Tenant:\t%s\n", v.TenantID)
	if v.Code != "" {
		fmt.Fprintf(tw, "Code:\t%s\n", v.Code)
	}
	fmt.Fprintf(tw, "Target:\t%s/%s\n", v.Target.Kind, v.Target.ID)
	fmt.Fprintf(tw, "Cadence:\tevery %d %s\n", v.Interval, v.Frequency)
	fmt.Fprintf(tw, "Anchor:\t%s (%s)\n", v.AnchorDate, v.AnchorKind)
	if v.FiscalYearStartMonth != 0 {
		fmt.Fprintf(tw, "Fiscal year start:\tmonth %d\n", v.FiscalYearStartMonth)
	}
	fmt.Fprintf(tw, "Window:\t%s .. %s\n", v.StartsAt, orDash(v.EndsAt))
	fmt.Fprintf(tw, "Timezone:\t%s\n", v.Timezone)
	fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	fmt.Fprintf(tw, "Recovery:\t%s\n", v.RecoveryMode)
	tw.Flush()
}

func renderRuleList(w io.Writer, views []ruleView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tCADENCE\tTIMEZONE\tSTATUS\tTARGET")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\tevery %d %s\t%s\t%s\t%s/%s\n",
			v.ID, orDash(v.Code), v.Interval, v.Frequency, v.Timezone, v.Status, v.Target.Kind, v.Target.ID)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d rules\n", len(views))
}

type generationView struct {
	PeriodStart  string `json:"period_start"`
	PeriodEnd    string `json:"period_end"`
	PeriodLabel  string `json:"period_label"`
	ProducedKind string `json:"produced_kind,omitempty"`
	ProducedID   string `json:"produced_id,omitempty"`
	ClaimedAt    string `json:"claimed_at"`
	GeneratedAt  string `json:"generated_at,omitempty"`
}

func newGenerationViews(records []*domain.GenerationRecord) []generationView {
	views := make([]generationView, 0, len(records))
	for _, rec := range records {
		views = append(views, generationView{
			PeriodStart:  fmtTime(rec.PeriodStart),
			PeriodEnd:    fmtTime(rec.PeriodEnd),
			PeriodLabel:  rec.PeriodLabel,
			ProducedKind: rec.ProducedKind,
			ProducedID:   rec.ProducedID,
			ClaimedAt:    fmtTime(rec.ClaimedAt),
			GeneratedAt:  fmtTimePtr(rec.GeneratedAt),
		})
	}
	return views
}

func renderGenerations(w io.Writer, views []generationView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tSTART\tPRODUCED\tGENERATED AT")
	for _, v := range views {
		produced := "-"
		if v.ProducedID != "" {
			produced = v.ProducedKind + "/" + v.ProducedID
		}
		generatedAt := v.GeneratedAt
		if generatedAt == "" {
			generatedAt = "(claimed " + v.ClaimedAt + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.PeriodLabel, v.PeriodStart, produced, generatedAt)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d ledger rows\n", len(views))
}

type ruleCountsView struct {
	Examined           int `json:"examined"`
	SkippedAlreadyDone int `json:"skipped_already_done"`
	Produced           int `json:"produced"`
	Failed             int `json:"failed"`
}

type reportView struct {
	Rules  map[string]ruleCountsView `json:"rules"`
	Totals ruleCountsView            `json:"totals"`
}

func newReportView(report *domain.GenerateReport) reportView {
	view := reportView{Rules: make(map[string]ruleCountsView, len(report.Rules))}
	for id, counts := range report.Rules {
		view.Rules[id] = ruleCountsView{
			Examined:           counts.Examined,
			SkippedAlreadyDone: counts.SkippedAlreadyDone,
			Produced:           counts.Produced,
			Failed:             counts.Failed,
		}
	}
	totals := report.Totals()
	view.Totals = ruleCountsView{
		Examined:           totals.Examined,
		SkippedAlreadyDone: totals.SkippedAlreadyDone,
		Produced:           totals.Produced,
		Failed:             totals.Failed,
	}
	return view
}

func renderReport(w io.Writer, report *domain.GenerateReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tEXAMINED\tSKIPPED\tPRODUCED\tFAILED")
	for _, id := range report.RuleIDs() {
		c := report.Rules[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", id, c.Examined, c.SkippedAlreadyDone, c.Produced, c.Failed)
	}
	totals := report.Totals()
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\n", totals.Examined, totals.SkippedAlreadyDone, totals.Produced, totals.Failed)
	tw.Flush()
}

type stepView struct {
	Code                string   `json:"code"`
	Handler             string   `json:"handler"`
	DependsOn           []string `json:"depends_on,omitempty"`
	CompensationHandler string   `json:"compensation_handler,omitempty"`
	MaxAttempts         int      `json:"max_attempts,omitempty"`
}

type definitionView struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Code        string     `json:"code"`
	Version     int        `json:"version"`
	Status      string     `json:"status"`
	Steps       []stepView `json:"steps"`
	PublishedAt string     `json:"published_at,omitempty"`
}

func newDefinitionView(def *domain.WorkflowDefinition) definitionView {
	steps := make([]stepView, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, stepView{
			Code:                s.Code,
			Handler:             s.Handler,
			DependsOn:           s.DependsOn,
			CompensationHandler: s.CompensationHandler,
			MaxAttempts:         s.MaxAttempts,
		})
	}
	return definitionView{
		ID:          def.ID,
		TenantID:    def.TenantID,
		Code:        def.Code,
		Version:     def.Version,
		Status:      string(def.Status),
		Steps:       steps,
		PublishedAt: fmtTimePtr(def.PublishedAt),
	}
}

func renderDefinition(w io.Writer, v definitionView) {
	fmt.Fprintf(w, "Published %s version %d (%d steps)\n", v.Code, v.Version, len(v.Steps))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tHANDLER\tDEPENDS ON\tCOMPENSATION")
	for _, s := range v.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			s.Code, s.Handler, orDash(strings.Join(s.DependsOn, ",")), orDash(s.CompensationHandler))
	}
	tw.Flush()
}

func renderDefinitionList(w io.Writer, views []definitionView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tVERSION\tSTATUS\tSTEPS\tPUBLISHED AT")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", v.Code, v.Version, v.Status, len(v.Steps), orDash(v.PublishedAt))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d versions\n", len(views))
}

type executionView struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	DefinitionCode    string         `json:"definition_code"`
	DefinitionVersion int            `json:"definition_version"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Status            string         `json:"status"`
	CurrentStep       string         `json:"current_step,omitempty"`
	ErrorClass        string         `json:"error_class,omitempty"`
	ErrorSummary      string         `json:"error_summary,omitempty"`
	CancelRequested   bool           `json:"cancel_requested,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	ReadyAt           string         `json:"ready_at"`
	StartedAt         string         `json:"started_at,omitempty"`
	CompletedAt       string         `json:"completed_at,omitempty"`
	CreatedAt         string         `json:"created_at"`
}

func newExecutionView(exec *domain.Execution) executionView {
	return executionView{
		ID:                exec.ID,
		TenantID:          exec.TenantID,
		DefinitionCode:    exec.DefinitionCode,
		DefinitionVersion: exec.DefinitionVersion,
		IdempotencyKey:    exec.IdempotencyKey,
		Status:            string(exec.Status),
		CurrentStep:       exec.CurrentStep,
		ErrorClass:        string(exec.ErrorClass),
		ErrorSummary:      exec.ErrorSummary,
		CancelRequested:   exec.CancelRequested,
		Input:             exec.Input,
		Output:            exec.Output,
		ReadyAt:           fmtTime(exec.ReadyAt),
		StartedAt:         fmtTimePtr(exec.StartedAt),
		CompletedAt:       fmtTimePtr(exec.CompletedAt),
		CreatedAt:         fmtTime(exec.CreatedAt),
	}
}

func renderExecution(w io.Writer, v executionView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Tenant:\t%s\n", v.TenantID)
	fmt.Fprintf(tw, "Workflow:\t%s v%d\n", v.DefinitionCode, v.DefinitionVersion)
	fmt.Fprintf(tw, "Idempotency key:\t%s\n", v.IdempotencyKey)
	fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	if v.CurrentStep != "" {
		fmt.Fprintf(tw, "Current step:\t%s\n", v.CurrentStep)
	}
	if v.ErrorClass != "" || v.ErrorSummary != "" {
		fmt.Fprintf(tw, "Error:\t[%s] %s\n", v.ErrorClass, v.ErrorSummary)
	}
	if v.CancelRequested {
		fmt.Fprintf(tw, "Cancel requested:\ttrue\n")
	}
	if len(v.Input) > 0 {
		fmt.Fprintf(tw, "Input:\t%s\n", compactJSON(v.Input))
	}
	if len(v.Output) > 0 {
		fmt.Fprintf(tw, "Output:\t%s\n", compactJSON(v.Output))
	}
	fmt.Fprintf(tw, "Ready at:\t%s\n", v.ReadyAt)
	if v.StartedAt != "" {
		fmt.Fprintf(tw, "Started at:\t%s\n", v.StartedAt)
	}
	if v.CompletedAt != "" {
		fmt.Fprintf(tw, "Completed at:\t%s\n", v.CompletedAt)
	}
	tw.Flush()
}

func renderExecutionList(w io.Writer, views []executionView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tCREATED AT")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s v%d\t%s\t%s\t%s\n",
			v.ID, v.DefinitionCode, v.DefinitionVersion, v.Status, orDash(v.CurrentStep), v.CreatedAt)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d executions\n", len(views))
}

type attemptView struct {
	StepCode      string `json:"step_code"`
	AttemptNumber int    `json:"attempt_number"`
	Status        string `json:"status"`
	ErrorClass    string `json:"error_class,omitempty"`
	ErrorSummary  string `json:"error_summary,omitempty"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

func newAttemptViews(attempts []*domain.StepAttempt) []attemptView {
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			StepCode:      a.StepCode,
			AttemptNumber: a.AttemptNumber,
			Status:        string(a.Status),
			ErrorClass:    string(a.ErrorClass),
			ErrorSummary:  a.ErrorSummary,
			StartedAt:     fmtTime(a.StartedAt),
			CompletedAt:   fmtTimePtr(a.CompletedAt),
		})
	}
	return views
}

func renderAttempts(w io.Writer, views []attemptView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tATTEMPT\tSTATUS\tERROR\tSTARTED AT")
	for _, v := range views {
		errCol := "-"
		if v.ErrorClass != "" {
			errCol = "[" + v.ErrorClass + "] " + v.ErrorSummary
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", v.StepCode, v.AttemptNumber, v.Status, errCol, v.StartedAt)
	}
	tw.Flush()
}

// executionDetailView is the "executions show" payload: the execution plus
// its attempt history.
type executionDetailView struct {
	executionView
	Attempts []attemptView `json:"attempts,omitempty"`
}

type eventView struct {
	Kind          string `json:"kind"`
	StepCode      string `json:"step_code,omitempty"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
	Detail        string `json:"detail,omitempty"`
	At            string `json:"at"`
}

type advanceView struct {
	Execution  executionView `json:"execution"`
	Dispatched int           `json:"dispatched"`
	Events     []eventView   `json:"events,omitempty"`
}

func newAdvanceView(result *orchestration.AdvanceResult) advanceView {
	view := advanceView{
		Execution:  newExecutionView(result.Execution),
		Dispatched: result.Dispatched,
	}
	for _, ev := range result.Events {
		view.Events = append(view.Events, eventView{
			Kind:          string(ev.Kind),
			StepCode:      ev.StepCode,
			AttemptNumber: ev.AttemptNumber,
			Detail:        ev.Detail,
			At:            fmtTime(ev.At),
		})
	}
	return view
}

func renderAdvance(w io.Writer, v advanceView) {
	fmt.Fprintf(w, "Execution %s is %s (%d handlers dispatched)\n", v.Execution.ID, v.Execution.Status, v.Dispatched)
	if len(v.Events) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ev := range v.Events {
		step := ev.StepCode
		if step != "" && ev.AttemptNumber > 0 {
			step = fmt.Sprintf("%s#%d", step, ev.AttemptNumber)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", ev.Kind, orDash(step), ev.Detail)
	}
	tw.Flush()
}

type dlqView struct {
	ID               string `json:"id"`
	ExecutionID      string `json:"execution_id"`
	StepCode         string `json:"step_code,omitempty"`
	Reason           string `json:"reason"`
	ErrorClass       string `json:"error_class,omitempty"`
	ErrorSummary     string `json:"error_summary"`
	CreatedAt        string `json:"created_at"`
	ReprocessedAt    string `json:"reprocessed_at,omitempty"`
	ReprocessedBy    string `json:"reprocessed_by,omitempty"`
	ReprocessOutcome string `json:"reprocess_outcome,omitempty"`
}

func newDLQView(entry *domain.DLQEntry) dlqView {
	view := dlqView{
		ID:           entry.ID,
		ExecutionID:  entry.ExecutionID,
		StepCode:     entry.StepCode,
		Reason:       string(entry.Reason),
		ErrorClass:   string(entry.ErrorClass),
		ErrorSummary: entry.ErrorSummary,
		CreatedAt:    fmtTime(entry.CreatedAt),
	}
	view.ReprocessedAt = fmtTimePtr(entry.ReprocessedAt)
	if entry.ReprocessedBy != nil {
		view.ReprocessedBy = *entry.ReprocessedBy
	}
	if entry.ReprocessOutcome != nil {
		view.ReprocessOutcome = *entry.ReprocessOutcome
	}
	return view
}

func newDLQViews(entries []*domain.DLQEntry) []dlqView {
	views := make([]dlqView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newDLQView(entry))
	}
	return views
}

func renderDLQEntry(w io.Writer, v dlqView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Execution:\t%s\n", v.ExecutionID)
	if v.StepCode != "" {
		fmt.Fprintf(tw, "Step:\t%s\n", v.StepCode)
	}
	fmt.Fprintf(tw, "Reason:\t%s\n", v.Reason)
	fmt.Fprintf(tw, "Error:\t[%s] %s\n", v.ErrorClass, v.ErrorSummary)
	fmt.Fprintf(tw, "Created at:\t%s\n", v.CreatedAt)
	if v.ReprocessedAt != "" {
		fmt.Fprintf(tw, "Reprocessed:\t%s by %s (%s)\n", v.ReprocessedAt, v.ReprocessedBy, v.ReprocessOutcome)
	}
	tw.Flush()
}

func renderDLQList(w io.Writer, views []dlqView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXECUTION\tSTEP\tREASON\tREVIEWED\tCREATED AT")
	for _, v := range views {
		reviewed := "-"
		if v.ReprocessedAt != "" {
			reviewed = v.ReprocessedBy
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.ExecutionID, orDash(v.StepCode), v.Reason, reviewed, v.CreatedAt)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d entries\n", len(views))
}
