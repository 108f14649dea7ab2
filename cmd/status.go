package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sendgrid/rest"
	"github.com/shardlog/shardlog/internal/options"
	"github.com/shardlog/shardlog/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type statusCMD struct {
	ctx     *shardlogContext
	peers   []string
	timeout time.Duration
}

func newStatusCMD(ctx *shardlogContext) *statusCMD {
	return &statusCMD{ctx: ctx}
}

func (s *statusCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the replication status of every node",
		RunE:  s.run,
	}
	cmd.Flags().StringSliceVar(&s.peers, "peers", nil, "nodes to query, id@addr (default: peers from config)")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func (s *statusCMD) run(cmd *cobra.Command, args []string) error {
	peers, err := resolvePeers(s.ctx.opts, s.peers)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
	defer cancel()
	results := fetchStatuses(ctx, peers)
	printStatuses(cmd.OutOrStdout(), peers, results)
	return nil
}

type statusResult struct {
	status *server.NodeStatus
	err    error
}

// fetchStatuses 并发查询所有节点，单个节点失败不影响其他节点
func fetchStatuses(ctx context.Context, peers []*options.Peer) []statusResult {
	results := make([]statusResult, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			st, err := fetchStatus(gctx, p.Addr)
			results[i] = statusResult{status: st, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func fetchStatus(ctx context.Context, addr string) (*server.NodeStatus, error) {
	resp, err := rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Get,
		BaseURL: addr + "/status",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, resp.Body)
	}
	st := &server.NodeStatus{}
	if err = json.Unmarshal([]byte(resp.Body), st); err != nil {
		return nil, err
	}
	return st, nil
}

func printStatuses(out io.Writer, peers []*options.Peer, results []statusResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tDATABASE\tROLE\tSTATE\tTERM\tLEADER\tCOMMIT\tSHARDS")
	for i, p := range peers {
		r := results[i]
		if r.err != nil {
			fmt.Fprintf(w, "%s\t-\t-\terror: %v\t-\t-\t-\t-\n", p.ID, r.err)
			continue
		}
		dbs := r.status.Databases
		sort.Slice(dbs, func(a, b int) bool { return dbs[a].Database < dbs[b].Database })
		for _, db := range dbs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
				p.ID, db.Database, db.Log.Role, db.Log.LocalState, db.Log.Term, db.Log.Leader, db.Log.CommitIndex, db.Shards)
		}
	}
	_ = w.Flush()
}

func resolvePeers(opts *options.Options, flags []string) ([]*options.Peer, error) {
	if len(flags) == 0 {
		if len(opts.Peers) == 0 {
			return []*options.Peer{{ID: opts.NodeID, Addr: "http://" + opts.HTTPAddr}}, nil
		}
		return opts.Peers, nil
	}
	peers := make([]*options.Peer, 0, len(flags))
	for _, f := range flags {
		p, err := options.ParsePeer(f)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}
