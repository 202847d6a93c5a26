package application

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// connection is a shared subscription to the batch event stream of a set of
// topics. A connection is reserved while it delivers events to at least one
// batch session. Reservation only prevents pruning.
type connection struct {
	id       string
	topics   []string
	ctx      context.Context
	cancel   context.CancelFunc
	reserved atomic.Bool
}

func newConnection(parent context.Context, topics []string) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:     uuid.New().String(),
		topics: topics,
		ctx:    ctx,
		cancel: cancel,
	}
}

// sessionRegistry indexes the active batch sessions by the id of the
// connection delivering their events and by intent txid.
type sessionRegistry map[string]map[string]*batchSession

func (r sessionRegistry) pin(connId, intentTxid string, session *batchSession) {
	if _, ok := r[connId]; !ok {
		r[connId] = make(map[string]*batchSession)
	}
	r[connId][intentTxid] = session
}

func (r sessionRegistry) unpin(connId, intentTxid string) {
	sessions, ok := r[connId]
	if !ok {
		return
	}
	delete(sessions, intentTxid)
	if len(sessions) == 0 {
		delete(r, connId)
	}
}

// unpinIntent removes the sessions of the given intent and returns the ids
// of the connections they were pinned to.
func (r sessionRegistry) unpinIntent(intentTxid string) []string {
	connIds := make([]string, 0)
	for connId, sessions := range r {
		if _, ok := sessions[intentTxid]; ok {
			connIds = append(connIds, connId)
		}
	}
	for _, connId := range connIds {
		r.unpin(connId, intentTxid)
	}
	return connIds
}

func (r sessionRegistry) hasIntent(intentTxid string) bool {
	for _, sessions := range r {
		if _, ok := sessions[intentTxid]; ok {
			return true
		}
	}
	return false
}

func (r sessionRegistry) count(connId string) int {
	return len(r[connId])
}

func (r sessionRegistry) get(connId string) map[string]*batchSession {
	sessions := make(map[string]*batchSession, len(r[connId]))
	for txid, session := range r[connId] {
		sessions[txid] = session
	}
	return sessions
}

func (r sessionRegistry) drop(connId string) {
	delete(r, connId)
}

type triggerType int

const (
	triggerRefresh triggerType = iota
	triggerRelease
)

// trigger is a connection lifecycle decision handled by the trigger listener.
type trigger struct {
	kind   triggerType
	connId string
}

// triggerRefresh never blocks: every trigger already queued ends with a
// refresh, so a full queue makes this one redundant.
func (s *service) triggerRefresh() {
	select {
	case s.triggerCh <- trigger{kind: triggerRefresh}:
	default:
		log.Debug("trigger queue full, skipping refresh")
	}
}

func (s *service) triggerRelease(connId string) {
	select {
	case s.triggerCh <- trigger{kind: triggerRelease, connId: connId}:
	case <-s.ctx.Done():
	}
}

// listenToTriggers is the only goroutine opening and closing connections.
func (s *service) listenToTriggers() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.triggerCh:
			switch t.kind {
			case triggerRelease:
				s.releaseConnection(t.connId)
			case triggerRefresh:
				s.refreshConnections()
			}
		}
	}
}

func (s *service) releaseConnection(connId string) {
	s.lock.Lock()
	if conn, ok := s.connections[connId]; ok && s.sessions.count(connId) == 0 {
		conn.reserved.Store(false)
		log.Debugf("released connection %s", connId)
	}
	s.lock.Unlock()

	s.refreshConnections()
}

// refreshConnections closes every unreserved connection and opens a fresh
// one subscribed to the current topics.
func (s *service) refreshConnections() {
	if s.ctx.Err() != nil {
		return
	}

	topics, err := s.computeTopics(s.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to compute topics, skipping connection refresh")
		return
	}

	s.lock.Lock()
	for id, conn := range s.connections {
		if conn.reserved.Load() || s.sessions.count(id) > 0 {
			continue
		}
		conn.cancel()
		delete(s.connections, id)
	}
	conn := newConnection(s.ctx, topics)
	s.connections[conn.id] = conn
	s.lock.Unlock()

	log.Debugf("opened connection %s with %d topics", conn.id, len(topics))

	s.wg.Add(1)
	go s.runConnection(conn)
}

// computeTopics returns the vtxos and cosigner keys of all tracked intents.
func (s *service) computeTopics(ctx context.Context) ([]string, error) {
	intents := s.trackedIntents()

	topicSet := make(map[string]struct{})
	for _, intent := range intents {
		for _, vtxo := range intent.Vtxos {
			topicSet[vtxo.String()] = struct{}{}
		}
		pubkey, err := s.getCosignerPubkey(ctx, intent.SignerDescriptor)
		if err != nil {
			return nil, err
		}
		topicSet[pubkey] = struct{}{}
	}

	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics, nil
}

func (s *service) runConnection(conn *connection) {
	defer s.wg.Done()

	reconnect := s.listen(conn)
	s.removeConnection(conn)

	if !reconnect {
		return
	}

	select {
	case <-s.ctx.Done():
	case <-time.After(s.cfg.ReconnectBackoff):
		s.triggerRefresh()
	}
}

// listen dispatches the events of the connection stream until it's closed.
// It returns whether the connection must be replaced.
func (s *service) listen(conn *connection) bool {
	if len(conn.topics) == 0 {
		log.Debugf("connection %s has no topics, closing", conn.id)
		return false
	}

	eventsCh, closeStream, err := s.transport.GetEventStream(conn.ctx, conn.topics)
	if err != nil {
		if isCancellation(conn.ctx, err) {
			return false
		}
		log.WithError(err).Warnf("failed to open event stream for connection %s", conn.id)
		return true
	}
	defer closeStream()

	for {
		select {
		case <-conn.ctx.Done():
			return false
		case event, ok := <-eventsCh:
			if !ok {
				if conn.ctx.Err() != nil {
					return false
				}
				log.Warnf("event stream of connection %s closed", conn.id)
				return true
			}
			if event.Err != nil {
				if isCancellation(conn.ctx, event.Err) {
					return false
				}
				log.WithError(event.Err).Warnf("event stream of connection %s failed", conn.id)
				return true
			}
			s.dispatch(conn, event.Event)
		}
	}
}

func (s *service) removeConnection(conn *connection) {
	conn.cancel()

	s.lock.Lock()
	defer s.lock.Unlock()

	if current, ok := s.connections[conn.id]; ok && current == conn {
		delete(s.connections, conn.id)
	}
	s.sessions.drop(conn.id)
}

// dispatch forwards the event to the sessions pinned to the connection, then
// settles the tracked intents of a finalized or failed batch.
func (s *service) dispatch(conn *connection, event domain.BatchEvent) {
	switch e := event.(type) {
	case domain.Heartbeat:
		return
	case domain.BatchStarted:
		s.onBatchStarted(conn, e)
		return
	}

	s.lock.Lock()
	sessions := s.sessions.get(conn.id)
	s.lock.Unlock()

	var (
		completedLock sync.Mutex
		completed     = make([]string, 0)
	)
	if len(sessions) > 0 {
		var group errgroup.Group
		for intentTxid, session := range sessions {
			group.Go(func() error {
				if s.handleSessionEvent(conn, intentTxid, session, event) {
					completedLock.Lock()
					completed = append(completed, intentTxid)
					completedLock.Unlock()
				}
				return nil
			})
		}
		// nolint
		group.Wait()
	}

	// Intents are settled with the service context: the connection may be
	// pruned as soon as it's released.
	switch e := event.(type) {
	case domain.BatchFinalized:
		s.onBatchFinalized(s.ctx, e)
	case domain.BatchFailed:
		s.onBatchFailed(s.ctx, e)
	}

	if len(completed) == 0 {
		return
	}

	s.lock.Lock()
	for _, intentTxid := range completed {
		s.sessions.unpin(conn.id, intentTxid)
	}
	s.lock.Unlock()
	s.triggerRelease(conn.id)
}

// handleSessionEvent returns whether the session is completed.
func (s *service) handleSessionEvent(
	conn *connection, intentTxid string, session *batchSession, event domain.BatchEvent,
) bool {
	done, err := session.handleEvent(conn.ctx, event)
	if !done && err == nil {
		return false
	}

	if err == nil || isCancellation(conn.ctx, err) {
		return true
	}
	// The server outcome is handled for all intents of the batch.
	if isBatchFailed(err) {
		return true
	}

	log.WithError(err).Warnf("batch session of intent %s failed", intentTxid)
	s.failIntent(s.ctx, intentTxid, err.Error())
	return true
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || stderrors.Is(err, context.Canceled)
}
