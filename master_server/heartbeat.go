package master_server

import (
	"context"
	"errors"
	"time"

	"github.com/caleberi/chunkfs/common"
	failuredetector "github.com/caleberi/chunkfs/detector"
	"github.com/caleberi/chunkfs/rpc_struct"
	"github.com/caleberi/chunkfs/shared"
	"github.com/rs/zerolog/log"
)

// RunHeartbeat probes every chunk server once. A server that fails to answer
// within the heartbeat timeout joins the dead set; one that answers leaves
// it. The round holds the fleet-state lock.
func (ma *MasterServer) RunHeartbeat(ctx context.Context) error {
	ma.fleet.Lock()
	defer ma.fleet.Unlock()

	var errs []error
	for i, addr := range ma.fleet.Endpoints() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		idx := common.ServerIndex(i)
		start := time.Now()
		err := ma.probe(ctx, addr)
		ma.recordProbe(ctx, idx, start, time.Since(start), err)

		if err != nil {
			if ma.fleet.MarkDead(idx) {
				log.Warn().Int("server", i).Str("addr", addr).Err(err).Msg("chunk server marked dead")
			}
			errs = append(errs, common.Errorf(common.ProbeFailure, "server %d (%s): %v", i, addr, err))
			continue
		}
		if ma.fleet.MarkAlive(idx) {
			log.Info().Int("server", i).Str("addr", addr).Msg("chunk server is back")
		}
	}

	ma.metrics.SetDeadServers(len(ma.fleet.DeadServers()))
	return errors.Join(errs...)
}

func (ma *MasterServer) probe(ctx context.Context, addr string) error {
	var reply rpc_struct.StatusReply
	req := rpc_struct.NewMasterRequest(rpc_struct.CHeartBeat)
	if err := shared.Call(ctx, addr, ma.cfg.MessageSize, ma.cfg.HeartbeatTimeout, req, &reply); err != nil {
		return err
	}
	if reply.Status != common.StatusOK {
		return common.Errorf(common.ProbeFailure, "heartbeat answered with status %d: %s", reply.Status, reply.Message)
	}
	return nil
}

func (ma *MasterServer) recordProbe(ctx context.Context, idx common.ServerIndex, at time.Time, rtt time.Duration, probeErr error) {
	ma.metrics.RecordProbe(probeErr == nil)
	if ma.history == nil {
		return
	}
	sample := failuredetector.NewProbeSample(idx, at, rtt, probeErr)
	if err := ma.history.Record(ctx, sample); err != nil {
		log.Warn().Err(err).Int("server", int(idx)).Msg("cannot record probe sample")
	}
}
