package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/pipeline"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Show the reference passages most relevant to a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetrieve,
}

var triageCmd = &cobra.Command{
	Use:   "triage [query]",
	Short: "Run an interactive triage: follow-up questions, note and judge verdict",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriage,
}

var (
	queryTopK   int
	queryRerank bool
	queryJSON   bool
)

func init() {
	for _, c := range []*cobra.Command{retrieveCmd, triageCmd} {
		c.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "Number of passages to retrieve (default from config)")
		c.Flags().BoolVar(&queryJSON, "json", false, "Print the result as JSON")
	}
	retrieveCmd.Flags().BoolVar(&queryRerank, "rerank", false, "Re-rank candidates before returning")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	if err := checkConfig("embedding", "index", "retrieval"); err != nil {
		return err
	}
	ctx := cmd.Context()

	// The retriever alone needs no generation model; the LLM re-ranker is
	// only wired when serving the full pipeline.
	r, closeIndex, err := buildRetriever(ctx, nil)
	if err != nil {
		return err
	}
	defer closeIndex()

	k := queryTopK
	if k == 0 {
		k = cfg.Retrieval.TopK
	}
	hits, err := r.Retrieve(ctx, args[0], k, queryRerank)
	if err != nil {
		return err
	}

	if queryJSON {
		return printJSON(pipeline.RetrieveResponse{Query: args[0], Hits: hits, TotalHits: len(hits)})
	}
	printHits(hits)
	return nil
}

func runTriage(cmd *cobra.Command, args []string) error {
	if err := checkConfig("llm", "embedding", "index", "retrieval", "judge"); err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, closeIndex, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	query := args[0]
	spinner := getSpinner(" Thinking of follow-up questions...")
	res, err := svc.Triage(ctx, pipeline.TriageRequest{Query: query, TopK: queryTopK})
	_ = spinner.Finish()
	if err != nil {
		return err
	}

	ask, ok := res.(models.AskFollowups)
	if !ok {
		return fmt.Errorf("expected follow-up questions, got %s", res.NextAction())
	}

	answers := make(map[string]string, len(ask.Questions))
	scanner := bufio.NewScanner(os.Stdin)
	questionPrompt := color.New(color.FgCyan).PrintfFunc()
	answerPrompt := color.New(color.FgGreen).PrintfFunc()

	color.Cyan("\nA few questions first (press enter to skip one):")
	for _, q := range ask.Questions {
		questionPrompt("\n%s\n", q.Text)
		answerPrompt("> ")
		if !scanner.Scan() {
			break
		}
		if a := strings.TrimSpace(scanner.Text()); a != "" {
			answers[q.Text] = a
		}
	}
	if len(answers) == 0 {
		answers["Additional details"] = "none provided"
	}

	spinner = getSpinner(" Writing and reviewing the triage note...")
	res, err = svc.Triage(ctx, pipeline.TriageRequest{Query: query, FollowupAnswers: answers, TopK: queryTopK})
	_ = spinner.Finish()
	if err != nil {
		return err
	}

	out, ok := res.(models.ReturnTriage)
	if !ok {
		return fmt.Errorf("expected a triage note, got %s", res.NextAction())
	}
	if queryJSON {
		return printJSON(out)
	}
	printTriage(out)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHits(hits []models.RetrievalHit) {
	if len(hits) == 0 {
		color.Yellow("No passages found")
		return
	}
	for i, h := range hits {
		color.Cyan("\n%d. %s  score %.3f", i+1, h.ChunkID, h.Score)
		color.White("   %s, pages %d-%d", h.Metadata.SectionTitle, h.Metadata.PageStart, h.Metadata.PageEnd)
		fmt.Printf("   %s\n", preview(h.Text, 300))
	}
}

func printTriage(out models.ReturnTriage) {
	note := out.Note
	if out.Verdict.RevisedNote != nil {
		note = out.Verdict.RevisedNote
	}

	decision := color.New(color.FgGreen, color.Bold).SprintFunc()
	switch out.Verdict.Decision {
	case models.DecisionRevise:
		decision = color.New(color.FgYellow, color.Bold).SprintFunc()
	case models.DecisionReject:
		decision = color.New(color.FgRed, color.Bold).SprintFunc()
	}
	fmt.Printf("\nJudge: %s (score %.2f)\n", decision(out.Verdict.Decision), out.Verdict.OverallScore)
	for _, is := range out.Verdict.Issues {
		if is.Status != models.StatusPass {
			color.Yellow("  %s %s: %s", is.Check, is.Status, is.Details)
		}
	}

	color.Cyan("\nSeverity: %s", note.SeverityFlags.Severity)
	for _, rf := range note.SeverityFlags.RedFlags {
		color.Red("  ! %s", rf)
	}
	if note.SeverityFlags.EmergencyAction != "" {
		color.Red("  %s", note.SeverityFlags.EmergencyAction)
	}

	color.Cyan("\nPossible conditions:")
	for _, c := range note.PossibleConditions {
		fmt.Printf("  - %s: %s %s\n", c.Name, c.Rationale, cites(c.Source, c.SupportChunkIDs))
	}
	if len(note.TestsToDiscuss) > 0 {
		color.Cyan("\nTests to discuss:")
		for _, t := range note.TestsToDiscuss {
			fmt.Printf("  - %s (%s): %s %s\n", t.Name, t.Timing, t.Why, cites(t.Source, t.SupportChunkIDs))
		}
	}
	color.Cyan("\nCourse: ")
	fmt.Printf("  %s\n", note.DiseaseCourse.BaselineSummary)
	color.Cyan("\nFollow-up: ")
	fmt.Printf("  %s\n", note.FollowupSchedule)
	color.White("\n%s\n", note.Disclaimers)
}

func cites(source string, ids []string) string {
	if len(ids) == 0 {
		return color.HiBlackString("[%s]", source)
	}
	return color.HiBlackString("[%s]", strings.Join(ids, ", "))
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
