package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
	"github.com/shardlog/shardlog/internal/options"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// assignCMD 给所有节点下发同一个任期配置
type assignCMD struct {
	ctx          *shardlogContext
	peers        []string
	database     string
	term         uint64
	leader       string
	generation   uint64
	writeConcern int
	waitForSync  bool
	timeout      time.Duration
}

func newAssignCMD(ctx *shardlogContext) *assignCMD {
	return &assignCMD{ctx: ctx}
}

func (a *assignCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "assign term, leader and participants of a database log to every node",
		RunE:  a.run,
	}
	cmd.Flags().StringSliceVar(&a.peers, "peers", nil, "participants, id@addr (default: peers from config)")
	cmd.Flags().StringVar(&a.database, "database", "_system", "database name")
	cmd.Flags().Uint64Var(&a.term, "term", 0, "term, must be newer than the current one")
	cmd.Flags().StringVar(&a.leader, "leader", "", "leader id")
	cmd.Flags().Uint64Var(&a.generation, "generation", 1, "participants config generation")
	cmd.Flags().IntVar(&a.writeConcern, "write-concern", 0, "acks needed to commit, 0 means majority")
	cmd.Flags().BoolVar(&a.waitForSync, "wait-for-sync", false, "sync every entry to disk before acking")
	cmd.Flags().DurationVar(&a.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

type assignBody struct {
	Term         uint64                     `json:"term"`
	Leader       string                     `json:"leader"`
	Generation   uint64                     `json:"generation"`
	Participants map[string]map[string]bool `json:"participants"`
	WriteConcern int                        `json:"write_concern"`
	WaitForSync  bool                       `json:"wait_for_sync"`
}

func (a *assignCMD) run(cmd *cobra.Command, args []string) error {
	if a.term == 0 || a.leader == "" {
		return errors.New("--term and --leader are required")
	}
	peers, err := resolvePeers(a.ctx.opts, a.peers)
	if err != nil {
		return err
	}
	body := assignBody{
		Term:         a.term,
		Leader:       a.leader,
		Generation:   a.generation,
		Participants: make(map[string]map[string]bool, len(peers)),
		WriteConcern: a.writeConcern,
		WaitForSync:  a.waitForSync,
	}
	for _, p := range peers {
		body.Participants[p.ID] = map[string]bool{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			return putConfig(gctx, p, a.database, data)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "database %s assigned: term=%d leader=%s participants=%d\n", a.database, a.term, a.leader, len(peers))
	return nil
}

func putConfig(ctx context.Context, p *options.Peer, database string, data []byte) error {
	resp, err := rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Put,
		BaseURL: fmt.Sprintf("%s/databases/%s/config", p.Addr, database),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    data,
	})
	if err != nil {
		return errors.Wrapf(err, "assign %s", p.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("assign %s: status %d: %s", p.ID, resp.StatusCode, resp.Body)
	}
	return nil
}
