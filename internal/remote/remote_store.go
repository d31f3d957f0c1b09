package remote

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

// MaxPendingWrites bounds the batches in flight on the write stream.
const MaxPendingWrites = 10

// LocalStore is the part of the local store the RemoteStore reads and writes directly.
type LocalStore interface {
	NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error)
	GetLastStreamToken(ctx context.Context) ([]byte, error)
	SetLastStreamToken(ctx context.Context, token []byte) error
	GetLastRemoteSnapshotVersion(ctx context.Context) (model.Timestamp, error)
}

// RemoteSyncer is where the RemoteStore delivers backend results. It is implemented by
// the sync engine and called on the queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event model.RemoteEvent) error
	// RejectListen reports that the backend removed a target because of err.
	RejectListen(ctx context.Context, targetID int, err error) error
	ApplySuccessfulWrite(ctx context.Context, result model.MutationBatchResult) error
	RejectFailedWrite(ctx context.Context, batchID int, err error) error
	// GetRemoteKeysForTarget returns the keys the target matched in the last raised event.
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
	HandleCredentialChange(ctx context.Context, user model.User) error
	ApplyOnlineStateChange(state OnlineState) error
}

// offlineCause is a reason the network must not be used.
type offlineCause int

const (
	causeUserDisabled offlineCause = iota
	causeIOError
	causeShutdown
	causeCredentialChange
	causeIsSecondary
)

// Options configures a RemoteStore.
type Options struct {
	Log      *logrus.Entry
	AppCheck AppCheckTokenProvider
	// DocumentNamePrefix is prepended to document paths when matching bloom filters.
	DocumentNamePrefix string
}

// RemoteStore keeps the listen and write streams running while there is work, sends the
// targets being listened to and the pending mutation batches, and delivers the results.
// Every method must be called on the queue.
type RemoteStore struct {
	ctx    context.Context
	local  LocalStore
	syncer RemoteSyncer
	queue  *queue.AsyncQueue
	log    *logrus.Entry
	opts   Options

	watchStream *WatchStream
	writeStream *WriteStream
	online      *OnlineStateTracker

	listenTargets map[int]model.TargetData
	aggregator    *WatchChangeAggregator
	writePipeline []*model.MutationBatch
	offlineCauses map[offlineCause]struct{}
}

// NewRemoteStore creates a RemoteStore with the network enabled but not started.
func NewRemoteStore(local LocalStore, syncer RemoteSyncer, conn Connection, creds TokenProvider,
	q *queue.AsyncQueue, opts Options) *RemoteStore {
	log := logging.OrDiscard(opts.Log)
	rs := &RemoteStore{
		ctx:           context.Background(),
		local:         local,
		syncer:        syncer,
		queue:         q,
		log:           log,
		opts:          opts,
		listenTargets: map[int]model.TargetData{},
		offlineCauses: map[offlineCause]struct{}{},
	}
	rs.online = NewOnlineStateTracker(q, log, syncer.ApplyOnlineStateChange)
	rs.watchStream = NewWatchStream(conn, creds, opts.AppCheck, q, log, rs)
	rs.writeStream = NewWriteStream(conn, creds, opts.AppCheck, q, log, rs)
	return rs
}

// Start begins using the network.
func (rs *RemoteStore) Start() error {
	return rs.EnableNetwork()
}

// OnlineState returns the current online state.
func (rs *RemoteStore) OnlineState() OnlineState { return rs.online.State() }

func (rs *RemoteStore) canUseNetwork() bool { return len(rs.offlineCauses) == 0 }

// EnableNetwork undoes DisableNetwork.
func (rs *RemoteStore) EnableNetwork() error {
	delete(rs.offlineCauses, causeUserDisabled)
	return rs.enableNetworkInternal()
}

func (rs *RemoteStore) enableNetworkInternal() error {
	if !rs.canUseNetwork() {
		return nil
	}
	if rs.shouldStartWatchStream() {
		if err := rs.startWatchStream(); err != nil {
			return err
		}
	} else if err := rs.online.Set(OnlineStateUnknown); err != nil {
		return err
	}
	return rs.FillWritePipeline()
}

// DisableNetwork stops both streams and reports the client offline. Writes keep queueing
// locally.
func (rs *RemoteStore) DisableNetwork() error {
	rs.offlineCauses[causeUserDisabled] = struct{}{}
	if err := rs.disableNetworkInternal(); err != nil {
		return err
	}
	// Set offline so that queries fall back to the cache immediately.
	return rs.online.Set(OnlineStateOffline)
}

func (rs *RemoteStore) disableNetworkInternal() error {
	if err := rs.writeStream.Stop(); err != nil {
		return err
	}
	if err := rs.watchStream.Stop(); err != nil {
		return err
	}
	if len(rs.writePipeline) > 0 {
		rs.log.WithField("batches", len(rs.writePipeline)).Debug("stopping write stream with pending writes")
		rs.writePipeline = nil
	}
	rs.aggregator = nil
	return nil
}

// Shutdown stops the network for good.
func (rs *RemoteStore) Shutdown() error {
	rs.log.Debug("shutting down remote store")
	rs.offlineCauses[causeShutdown] = struct{}{}
	if err := rs.disableNetworkInternal(); err != nil {
		return err
	}
	return rs.online.Set(OnlineStateUnknown)
}

// HandleCredentialChange restarts the streams under the new user's token.
func (rs *RemoteStore) HandleCredentialChange(user model.User) error {
	rs.log.WithField("user", user.String()).Debug("credentials changed; restarting streams")
	rs.offlineCauses[causeCredentialChange] = struct{}{}
	if err := rs.disableNetworkInternal(); err != nil {
		return err
	}
	if err := rs.online.Set(OnlineStateUnknown); err != nil {
		return err
	}
	if err := rs.syncer.HandleCredentialChange(rs.ctx, user); err != nil {
		return err
	}
	delete(rs.offlineCauses, causeCredentialChange)
	return rs.enableNetworkInternal()
}

// ApplyPrimaryState enables the network for the primary client and disables it for
// secondaries, which receive remote changes through shared state instead.
func (rs *RemoteStore) ApplyPrimaryState(isPrimary bool) error {
	if isPrimary {
		delete(rs.offlineCauses, causeIsSecondary)
		return rs.enableNetworkInternal()
	}
	rs.offlineCauses[causeIsSecondary] = struct{}{}
	if err := rs.disableNetworkInternal(); err != nil {
		return err
	}
	return rs.online.Set(OnlineStateUnknown)
}

// Listen starts listening to a target. Listening twice to the same id is a no-op.
func (rs *RemoteStore) Listen(td model.TargetData) error {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		return nil
	}
	rs.listenTargets[td.TargetID] = td
	if rs.shouldStartWatchStream() {
		return rs.startWatchStream()
	}
	if rs.watchStream.IsOpen() {
		rs.sendWatchRequest(td)
	}
	return nil
}

// Unlisten stops listening to a target.
func (rs *RemoteStore) Unlisten(targetID int) error {
	if _, ok := rs.listenTargets[targetID]; !ok {
		return status.Assertf("unlisten of target %d that is not listened to", targetID)
	}
	delete(rs.listenTargets, targetID)
	if rs.watchStream.IsOpen() {
		rs.sendUnwatchRequest(targetID)
	}
	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.canUseNetwork() {
			// Nothing to listen to means nothing can prove we are offline.
			return rs.online.Set(OnlineStateUnknown)
		}
	}
	return nil
}

func (rs *RemoteStore) sendWatchRequest(td model.TargetData) {
	rs.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion.After(model.MinVersion) {
		td = td.WithExpectedCount(rs.syncer.GetRemoteKeysForTarget(td.TargetID).Len())
	}
	rs.watchStream.Watch(td)
}

func (rs *RemoteStore) sendUnwatchRequest(targetID int) {
	rs.aggregator.RecordPendingTargetRequest(targetID)
	rs.watchStream.Unwatch(targetID)
}

func (rs *RemoteStore) startWatchStream() error {
	rs.aggregator = NewWatchChangeAggregator(rs, rs.log)
	rs.aggregator.DocumentNamePrefix = rs.opts.DocumentNamePrefix
	if err := rs.watchStream.Start(); err != nil {
		return err
	}
	return rs.online.HandleWatchStreamStart()
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.canUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	return rs.syncer.GetRemoteKeysForTarget(targetID)
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetTargetDataForTarget(targetID int) *model.TargetData {
	td, ok := rs.listenTargets[targetID]
	if !ok {
		return nil
	}
	return &td
}

func (rs *RemoteStore) OnWatchStreamOpen() error {
	for _, td := range rs.listenTargets {
		rs.sendWatchRequest(td)
	}
	return nil
}

func (rs *RemoteStore) OnWatchStreamClose(err error) error {
	if err == nil && rs.shouldStartWatchStream() {
		return status.Assertf("listen stream closed deliberately while it should be running")
	}
	rs.aggregator = nil
	if rs.shouldStartWatchStream() {
		if ferr := rs.online.HandleWatchStreamFailure(err); ferr != nil {
			return ferr
		}
		return rs.startWatchStream()
	}
	// No targets, or the network is disabled.
	return rs.online.Set(OnlineStateUnknown)
}

func (rs *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.Timestamp) error {
	// Any message proves the backend is reachable.
	if err := rs.online.Set(OnlineStateOnline); err != nil {
		return err
	}
	if rs.aggregator == nil {
		return nil
	}

	switch c := change.(type) {
	case *WatchTargetChange:
		if c.State == TargetRemoved && c.Cause != nil {
			return rs.handleTargetError(c)
		}
		if err := rs.aggregator.HandleTargetChange(c); err != nil {
			return err
		}
	case *DocumentWatchChange:
		rs.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		if err := rs.aggregator.HandleExistenceFilter(c); err != nil {
			return err
		}
	}

	if snapshotVersion.IsZero() {
		return nil
	}
	last, err := rs.local.GetLastRemoteSnapshotVersion(rs.ctx)
	if err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}
	if snapshotVersion.Compare(last) >= 0 {
		// Older snapshots can arrive right after a resume; they carry nothing new.
		return rs.raiseWatchSnapshot(snapshotVersion)
	}
	return nil
}

// raiseWatchSnapshot turns the aggregated changes into a remote event, re-listens to
// targets whose membership was reset, and hands the event to the syncer.
func (rs *RemoteStore) raiseWatchSnapshot(snapshotVersion model.Timestamp) error {
	event := rs.aggregator.CreateRemoteEvent(snapshotVersion)

	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[id]; ok {
			rs.listenTargets[id] = td.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for id, purpose := range event.TargetMismatches {
		td, ok := rs.listenTargets[id]
		if !ok {
			// The target was removed in the meantime.
			continue
		}
		// Forget the resume token so the next listen starts from scratch.
		rs.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.sendUnwatchRequest(id)
		rs.sendWatchRequest(model.NewTargetData(td.Target, id, purpose, td.SequenceNumber))
	}

	if err := rs.syncer.ApplyRemoteEvent(rs.ctx, event); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}
	return nil
}

func (rs *RemoteStore) handleTargetError(c *WatchTargetChange) error {
	for _, id := range c.TargetIDs {
		if _, ok := rs.listenTargets[id]; !ok {
			continue
		}
		delete(rs.listenTargets, id)
		rs.aggregator.RemoveTarget(id)
		if err := rs.syncer.RejectListen(rs.ctx, id, c.Cause); err != nil {
			return err
		}
	}
	return nil
}

// disableNetworkUntilRecovery takes the network down after a local storage failure while
// applying backend results. Retryable failures bring it back once a probe succeeds;
// anything else is fatal.
func (rs *RemoteStore) disableNetworkUntilRecovery(err error) error {
	if !status.IsRetryableStorage(err) {
		return err
	}
	rs.log.WithError(err).Warn("local storage failed while applying backend results; disabling network")
	rs.offlineCauses[causeIOError] = struct{}{}
	if derr := rs.disableNetworkInternal(); derr != nil {
		return derr
	}
	if serr := rs.online.Set(OnlineStateOffline); serr != nil {
		return serr
	}
	rs.queue.EnqueueAfterDelay(queue.TimerRetryTransaction, BackoffInitialDelay, rs.probeStorage)
	return nil
}

func (rs *RemoteStore) probeStorage() error {
	if _, err := rs.local.GetLastRemoteSnapshotVersion(rs.ctx); err != nil {
		rs.queue.EnqueueAfterDelay(queue.TimerRetryTransaction, BackoffMaxDelay/4, rs.probeStorage)
		return nil
	}
	delete(rs.offlineCauses, causeIOError)
	return rs.enableNetworkInternal()
}

// FillWritePipeline moves pending batches from the local queue into the write pipeline
// until it is full, starting the write stream if needed.
func (rs *RemoteStore) FillWritePipeline() error {
	lastBatchID := model.UnknownBatchID
	if n := len(rs.writePipeline); n > 0 {
		lastBatchID = rs.writePipeline[n-1].BatchID
	}
	for rs.canAddToWritePipeline() {
		batch, err := rs.local.NextMutationBatch(rs.ctx, lastBatchID)
		if err != nil {
			return rs.disableNetworkUntilRecovery(err)
		}
		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}
			break
		}
		if err := rs.addToWritePipeline(batch); err != nil {
			return err
		}
		lastBatchID = batch.BatchID
	}
	if rs.shouldStartWriteStream() {
		return rs.writeStream.Start()
	}
	return nil
}

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.canUseNetwork() && len(rs.writePipeline) < MaxPendingWrites
}

func (rs *RemoteStore) addToWritePipeline(batch *model.MutationBatch) error {
	rs.writePipeline = append(rs.writePipeline, batch)
	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		return rs.writeStream.WriteMutations(batch.Mutations)
	}
	return nil
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.canUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

// PendingWrites returns how many batches are in flight.
func (rs *RemoteStore) PendingWrites() int { return len(rs.writePipeline) }

func (rs *RemoteStore) OnWriteStreamOpen() error {
	return rs.writeStream.WriteHandshake()
}

func (rs *RemoteStore) OnWriteHandshakeComplete() error {
	if err := rs.local.SetLastStreamToken(rs.ctx, rs.writeStream.LastStreamToken); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}
	for _, batch := range rs.writePipeline {
		if err := rs.writeStream.WriteMutations(batch.Mutations); err != nil {
			return err
		}
	}
	return nil
}

func (rs *RemoteStore) OnMutationResult(commitVersion model.Timestamp, results []model.MutationResult) error {
	if len(rs.writePipeline) == 0 {
		return status.Assertf("mutation result with an empty write pipeline")
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	result, err := model.NewMutationBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken)
	if err != nil {
		return err
	}
	writesAcknowledged.Inc()
	if err := rs.syncer.ApplySuccessfulWrite(rs.ctx, result); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}
	// The pipeline has room again.
	return rs.FillWritePipeline()
}

func (rs *RemoteStore) OnWriteStreamClose(err error) error {
	if err != nil && len(rs.writePipeline) > 0 {
		var herr error
		if rs.writeStream.HandshakeComplete() {
			herr = rs.handleWriteError(err)
		} else {
			herr = rs.handleHandshakeError(err)
		}
		if herr != nil {
			return herr
		}
	}
	if rs.shouldStartWriteStream() {
		return rs.writeStream.Start()
	}
	return nil
}

func (rs *RemoteStore) handleHandshakeError(err error) error {
	if status.IsPermanentError(status.CodeOf(err)) {
		// The stream token is no longer valid; start over without it.
		rs.log.WithError(err).Debug("write handshake failed permanently; resetting stream token")
		rs.writeStream.LastStreamToken = nil
		if serr := rs.local.SetLastStreamToken(rs.ctx, nil); serr != nil {
			return rs.disableNetworkUntilRecovery(serr)
		}
	}
	return nil
}

func (rs *RemoteStore) handleWriteError(err error) error {
	if !status.IsPermanentWriteError(status.CodeOf(err)) {
		// Transient; the batch is resent on the next stream.
		return nil
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	// Retry the rest right away; the rejection was about this batch, not the connection.
	if ierr := rs.writeStream.InhibitBackoff(); ierr != nil {
		return ierr
	}
	writesRejected.Inc()
	rs.log.WithError(err).WithField("batch", batch.BatchID).Warn("write rejected by backend")
	if rerr := rs.syncer.RejectFailedWrite(rs.ctx, batch.BatchID, err); rerr != nil {
		return rs.disableNetworkUntilRecovery(rerr)
	}
	return rs.FillWritePipeline()
}
