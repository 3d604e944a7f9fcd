package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/stores"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printRecords(w io.Writer, records []engine.DeploymentRecord) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "TYPE\tNAME\tACTION\tARTIFACT ID\tLOCATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ArtifactType, r.ArtifactName, r.Action, r.ArtifactID, r.LocationID)
	}
	return tw.Flush()
}

func printReport(w io.Writer, report *engine.DeployReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	fmt.Fprintf(w, "Run %s: %s (%s)\n", report.RunID, report.Status,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Workspace %s (%s)", report.Workspace.Name, report.Workspace.ID)
	if report.Workspace.Created {
		fmt.Fprint(w, ", created")
	}
	if report.Compensated {
		fmt.Fprint(w, ", removed again after the failure")
	}
	fmt.Fprintln(w)

	s := report.Summary
	fmt.Fprintf(w, "Plan: %d to create, %d to update, %d to delete\n", s.ToCreate, s.ToUpdate, s.ToDelete)
	if len(report.PipelineOrder) > 0 {
		fmt.Fprintf(w, "Pipeline order: %s\n", strings.Join(report.PipelineOrder, " -> "))
	}
	for _, name := range report.Deleted {
		fmt.Fprintf(w, "Deleted: %s\n", name)
	}
	for _, op := range report.AccessChanges {
		fmt.Fprintf(w, "Access: %s %s %s\n", op.Operation, op.Identifier, op.Access)
	}
	if len(report.Records) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return printRecords(w, report.Records)
}

func printPreview(w io.Writer, preview *engine.PlanPreview) error {
	if jsonOutput {
		return printJSON(w, preview)
	}

	state := "exists"
	if !preview.Exists {
		state = "will be created"
	}
	fmt.Fprintf(w, "Workspace %s %s\n", preview.Workspace.Name, state)

	tw := newTable(w)
	fmt.Fprintln(tw, "ACTION\tTYPE\tNAME\tSOURCE")
	for _, a := range preview.Plan.ToCreate {
		fmt.Fprintf(tw, "create\t%s\t%s\t%s\n", a.Type, a.DisplayName, a.Source)
	}
	for _, u := range preview.Plan.ToUpdate {
		fmt.Fprintf(tw, "update\t%s\t%s\t%s\n", u.Artifact.Type, u.Artifact.DisplayName, u.Artifact.Source)
	}
	for _, a := range preview.Plan.ToDelete {
		fmt.Fprintf(tw, "delete\t%s\t%s\t%s\n", a.Type, a.DisplayName, a.RemoteID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(preview.PipelineOrder) > 0 {
		fmt.Fprintf(w, "\nPipeline order: %s\n", strings.Join(preview.PipelineOrder, " -> "))
	}
	if preview.PolicyError != "" {
		fmt.Fprintf(w, "\nPolicy: %s\n", preview.PolicyError)
	} else {
		fmt.Fprintln(w, "\nPolicy: allowed")
	}
	return nil
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return printJSON(w, runs)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tWORKSPACE\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		errText := ""
		if r.ErrorCode != nil {
			errText = *r.ErrorCode
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkspaceName, r.Status, r.StartedAt.Local().Format(time.DateTime), duration, errText)
	}
	return tw.Flush()
}

type runDetail struct {
	Run         *stores.Run          `json:"run"`
	Records     []*stores.Record     `json:"records"`
	Transitions []*stores.Transition `json:"transitions"`
}

func printRunDetail(w io.Writer, d runDetail) error {
	if jsonOutput {
		return printJSON(w, d)
	}

	r := d.Run
	fmt.Fprintf(w, "Run %s: %s\n", r.ID, r.Status)
	fmt.Fprintf(w, "Workspace: %s", r.WorkspaceName)
	if r.WorkspaceID != nil {
		fmt.Fprintf(w, " (%s)", *r.WorkspaceID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Started: %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", r.Duration().Round(time.Millisecond))
	}
	if r.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", *r.Error)
	}

	if len(d.Transitions) > 0 {
		fmt.Fprintln(w, "\nStates:")
		tw := newTable(w)
		for _, t := range d.Transitions {
			fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\n", t.At.Local().Format(time.TimeOnly), t.From, t.To, t.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(d.Records) > 0 {
		fmt.Fprintln(w)
		records := make([]engine.DeploymentRecord, len(d.Records))
		for i, r := range d.Records {
			records[i] = r.DeploymentRecord
		}
		return printRecords(w, records)
	}
	return nil
}
