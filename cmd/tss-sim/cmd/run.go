package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taurusgroup/tss-mesh/pkg/engine"
	"github.com/taurusgroup/tss-mesh/pkg/keystore"
	"github.com/taurusgroup/tss-mesh/pkg/metrics"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate a key between --parties nodes, then sign --message with --threshold of them",
	RunE:  runSimulation,
}

func init() {
	flags := runCmd.Flags()
	flags.Int("parties", 3, "number of participants")
	flags.Int("threshold", 2, "number of participants needed to sign")
	flags.String("message", "hello", "message to sign")
	flags.Int64("shuffle", 0, "seed used to reorder in-process deliveries, 0 keeps send order")
	flags.String("transport", "memnet", "transport between the nodes: memnet or p2p")
	flags.String("store-dir", "", "directory of the key stores, empty keeps the shares in memory")
	flags.String("passphrase", "", "passphrase sealing the shares in --store-dir")
	flags.String("metrics-file", "", "write the metrics of every node to this file when done")
	flags.Duration("timeout", time.Minute, "time allowed for the whole simulation")
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(runCmd)
}

type simNode struct {
	id    party.ID
	node  *engine.Node
	store keystore.Store
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	n, t := viper.GetInt("parties"), viper.GetInt("threshold")
	if t < 1 || t > n {
		return fmt.Errorf("threshold %d must be between 1 and %d", t, n)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	ids := make(party.IDSlice, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, party.ID(fmt.Sprintf("node-%d", i)))
	}
	ids = party.NewIDSlice(ids)

	net, err := newSimNet(viper.GetString("transport"), ids, viper.GetInt64("shuffle"))
	if err != nil {
		return err
	}
	defer func() { _ = net.close() }()

	registry := prometheus.NewRegistry()
	nodes := make([]*simNode, 0, n)
	defer func() {
		for _, sn := range nodes {
			sn.node.Close()
			if c, ok := sn.store.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		sn, err := newSimNode(id, net, registry)
		if err != nil {
			return err
		}
		nodes = append(nodes, sn)
		g.Go(func() error {
			if err := sn.node.Run(gctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, engine.ErrClosed) {
				return err
			}
			return nil
		})
	}
	if err = net.connect(ctx); err != nil {
		return err
	}

	err = simulate(ctx, nodes, t, []byte(viper.GetString("message")))
	cancel()
	if werr := g.Wait(); werr != nil {
		log.Warn().Err(werr).Msg("node stopped")
	}
	if file := viper.GetString("metrics-file"); file != "" {
		if merr := prometheus.WriteToTextfile(file, registry); merr != nil {
			err = multierror.Append(err, merr)
		}
	}
	return err
}

func newSimNode(id party.ID, net simNet, registry *prometheus.Registry) (*simNode, error) {
	var store keystore.Store = keystore.NewMemory()
	if dir := viper.GetString("store-dir"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		b, err := keystore.OpenBadger(filepath.Join(dir, string(id)), []byte(viper.GetString("passphrase")))
		if err != nil {
			return nil, err
		}
		store = b
	}

	nodeLog := log.With().Str("party", string(id)).Logger()
	cfg := engine.DefaultConfig()
	cfg.Logger = &nodeLog
	cfg.Metrics = metrics.NewCollector(prometheus.WrapRegistererWith(prometheus.Labels{"party": string(id)}, registry))
	node, err := engine.New(cfg, net.transport(id), store)
	if err != nil {
		return nil, err
	}
	return &simNode{id: id, node: node, store: store}, nil
}

// simulate runs a key generation proposed by the first node, then one signature.
func simulate(ctx context.Context, nodes []*simNode, threshold int, message []byte) error {
	ids := make(party.IDSlice, 0, len(nodes))
	for _, sn := range nodes {
		ids = append(ids, sn.id)
	}
	initiator := nodes[0]

	keygen, err := initiator.node.Propose(ctx, threshold, len(nodes), ids, session.KeyGeneration())
	if err != nil {
		return err
	}
	res, err := keygen.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("key generation failed: %w", res.Err)
	}
	fmt.Printf("group public key: %s\n", hex.EncodeToString(res.GroupPublicKey))

	signing, err := initiator.node.ProposeSigning(ctx, res.GroupPublicKey)
	if err != nil {
		return err
	}
	if err = signing.Established(ctx); err != nil {
		return err
	}
	req, err := initiator.node.RequestSigning(ctx, signing.ID(), message)
	if err != nil {
		return err
	}
	signed, err := req.Wait(ctx)
	if err != nil {
		return err
	}
	if signed.Err != nil {
		return fmt.Errorf("signing failed: %w", signed.Err)
	}

	record, err := initiator.store.Load(ctx, res.GroupPublicKey)
	if err != nil {
		return err
	}
	if !signed.Signature.Verify(record.Share.PublicKey, message) {
		return errors.New("the signature does not verify")
	}
	sig, err := signed.Signature.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("signers: %v\n", signed.Signers)
	fmt.Printf("signature: %s\n", hex.EncodeToString(sig))

	return initiator.node.CloseSession(ctx, signing.ID())
}
