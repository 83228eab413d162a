package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/notify"
)

// printJSON writes v indented, for -json output
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTopics(w io.Writer, topics []TopicSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tREPLICATED\tEPOCH\tPRODUCERS\tQUEUED\tSUBSCRIPTIONS\tLAST POSITION")
	for _, t := range topics {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\t%s\n",
			t.Name, t.Replicated, t.Epoch, t.Producers, t.QueueDepth, t.Subscriptions, t.LastPosition)
	}
	tw.Flush()
}

func printProducers(w io.Writer, topic string, state *ProducerState) {
	fmt.Fprintf(w, "topic %s, epoch %d", topic, state.Epoch)
	if state.Exclusive != nil {
		fmt.Fprintf(w, ", exclusive holder %d", *state.Exclusive)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODE\tCONNECTION\tEPOCH")
	for _, p := range state.Active {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Mode, p.ConnectionID, p.Epoch)
	}
	tw.Flush()

	if len(state.Queued) > 0 {
		fmt.Fprintf(w, "waiting: %s\n", joinIDs(state.Queued))
	}
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

func formatClusters(positions []marker.ClusterPosition) string {
	parts := make([]string, len(positions))
	for i, cp := range positions {
		parts[i] = cp.Cluster + "@" + cp.Position.String()
	}
	return strings.Join(parts, " ")
}

func printSnapshots(w io.Writer, state *SnapshotState) {
	if r := state.ActiveRound; r != nil {
		started := time.UnixMilli(r.StartedAt).Format(time.RFC3339)
		fmt.Fprintf(w, "round %s %s since %s, waiting on [%s]\n",
			r.SnapshotID, r.State, started, strings.Join(r.Pending, " "))
	}

	if len(state.History) == 0 {
		fmt.Fprintln(w, "no snapshots recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SNAPSHOT\tLOCAL\tCLUSTERS")
	for _, s := range state.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.SnapshotID, s.LocalPosition, formatClusters(s.Clusters))
	}
	tw.Flush()
}

func printSignal(w io.Writer, sig notify.Signal) {
	fmt.Fprintf(w, "[%s] %s local=%s %s\n",
		sig.Topic, sig.Snapshot.SnapshotID, sig.Snapshot.LocalPosition, formatClusters(sig.Snapshot.Clusters))
}

func printClusters(w io.Writer, state *ClusterState) {
	remotes := "(none)"
	if len(state.Clusters) > 0 {
		remotes = strings.Join(state.Clusters, ", ")
	}
	fmt.Fprintf(w, "local:  %s\nremote: %s\n", state.Local, remotes)
}

func printSubscriptions(w io.Writer, subs []SubscriptionSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBSCRIPTION\tREPLICATED\tMARK DELETE\tREAD\tCACHED SNAPSHOTS")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\n",
			s.Name, s.Replicated, s.MarkDeletePosition, s.ReadPosition, s.CachedSnapshots)
	}
	tw.Flush()
}
