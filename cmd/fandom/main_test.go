package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/miner"
	"github.com/vanillabrand/fandom/pkg/overindex"
	"github.com/vanillabrand/fandom/pkg/rank"
)

func execute(t *testing.T, stdin string, args ...string) []byte {
	t.Helper()
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("fandom %v: %v", args, err)
	}
	return out.Bytes()
}

func TestOverindexCommand(t *testing.T) {
	input := `[
		{"username": "ann", "following": ["salomon", "hoka"]},
		{"username": "ben", "following": ["salomon"]},
		{"username": "cat", "following": ["salomon", "hoka"]},
		{"username": "dan", "following": ["salomon"]}
	]`
	var report overindex.Report
	if err := json.Unmarshal(execute(t, input, "overindex", "--sample", "4", "--format", "json"), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SampleSize != 4 || report.Source != overindex.SourceFollowing {
		t.Fatalf("unexpected report header %+v", report)
	}
	if len(report.Accounts) != 2 || report.Accounts[0].Username != "salomon" || report.Accounts[1].Username != "hoka" {
		t.Fatalf("unexpected accounts %+v", report.Accounts)
	}
	if report.Accounts[0].Frequency != 4 || math.Abs(report.Accounts[1].Percentage-0.5) > 1e-9 {
		t.Fatalf("unexpected scores %+v", report.Accounts)
	}
}

func TestOverindexCommandCSV(t *testing.T) {
	input := "username,following\nann,salomon;hoka\nben,salomon\ncat,salomon;hoka\n"
	var report overindex.Report
	if err := json.Unmarshal(execute(t, input, "overindex", "--sample", "3", "--format", "csv"), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Accounts) != 2 || report.Accounts[0].Username != "salomon" || report.Accounts[0].Frequency != 3 {
		t.Fatalf("unexpected accounts %+v", report.Accounts)
	}
}

func TestPagerankCommand(t *testing.T) {
	input := `{
		"nodes": [{"id": "a"}, {"id": "b"}, {"id": "c"}],
		"links": [{"source": "a", "target": "b"}, {"source": {"id": "c"}, "target": "b"}]
	}`
	var ranked []rank.Scored
	if err := json.Unmarshal(execute(t, input, "pagerank", "--top", "0"), &ranked); err != nil {
		t.Fatalf("decode ranks: %v", err)
	}
	if len(ranked) != 3 || ranked[0].ID != "b" {
		t.Fatalf("unexpected ranking %+v", ranked)
	}
	sum := 0.0
	for _, r := range ranked {
		sum += r.Score
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("ranks sum to %v, want 1", sum)
	}
}

func TestPagerankRejectsBadInput(t *testing.T) {
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetIn(strings.NewReader(`{"nodes": [`))
	rootCmd.SetArgs([]string{"pagerank"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected a decode error")
	}
}

func TestMineRunsJobInProcess(t *testing.T) {
	exec := miner.ExecutorFunc(func(ctx context.Context, task miner.Task, report miner.Reporter) (common.MinedData, error) {
		report(50, "halfway")
		switch task.Subtask {
		case common.SubtaskStructure:
			return common.MinedData{Items: []common.RawRecord{
				{"username": "ann", "following": []any{"salomon", "hoka"}},
				{"username": "ben", "following": []any{"salomon"}},
			}}, nil
		case common.SubtaskVisual:
			if len(task.Handles) == 0 {
				t.Errorf("visual subtask got no handles")
			}
			return common.MinedData{Items: []common.RawRecord{{"type": "brand", "name": "Salomon"}}}, nil
		}
		return common.MinedData{}, nil
	})

	out := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	err := mine(context.Background(), cmd, mineParams{
		Executor: exec,
		Request:  coordinator.DispatchRequest{Query: "trail running", SampleSize: 2},
	})
	if err != nil {
		t.Fatalf("mine: %v", err)
	}

	var res common.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.JobID == "" || len(res.Graph.Nodes) == 0 || !res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
}
