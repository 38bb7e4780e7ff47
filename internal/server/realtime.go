package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventVotes     = "votes"
	realtimeEventHeartbeat = "heartbeat"
	realtimeHeartbeatEvery = 25 * time.Second
)

// VotesMessage carries the current vote distribution of one episode.
type VotesMessage struct {
	SubjectID int64
	EpisodeID int64
	Votes     map[int]int64
	Timestamp time.Time
}

type episodeTopic struct {
	subjectID int64
	episodeID int64
}

// VotesDispatcher fans vote updates out to stream subscribers of the same episode.
// Slow subscribers drop messages rather than block publishers.
type VotesDispatcher struct {
	mu          sync.RWMutex
	subscribers map[episodeTopic]map[int64]*votesSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	closed      bool
}

type votesSubscriber struct {
	id     int64
	stream chan VotesMessage
}

func NewVotesDispatcher() *VotesDispatcher {
	return &VotesDispatcher{
		subscribers: make(map[episodeTopic]map[int64]*votesSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for one episode. The stream is unregistered when ctx ends
// or the returned cleanup runs, whichever comes first.
func (d *VotesDispatcher) Subscribe(ctx context.Context, subjectID, episodeID int64) (<-chan VotesMessage, func()) {
	if subjectID <= 0 || episodeID <= 0 {
		return closedStream(), func() {}
	}
	topic := episodeTopic{subjectID: subjectID, episodeID: episodeID}
	subscriber := &votesSubscriber{
		id:     d.nextSequence(),
		stream: make(chan VotesMessage, d.bufferSize),
	}
	if !d.registerSubscriber(topic, subscriber) {
		return closedStream(), func() {}
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishVotes satisfies ratings.VotesPublisher.
func (d *VotesDispatcher) PublishVotes(subjectID, episodeID int64, votes map[int]int64) {
	d.Publish(VotesMessage{
		SubjectID: subjectID,
		EpisodeID: episodeID,
		Votes:     votes,
		Timestamp: d.clock().UTC(),
	})
}

func (d *VotesDispatcher) Publish(message VotesMessage) {
	topic := episodeTopic{subjectID: message.SubjectID, episodeID: message.EpisodeID}
	// Sends happen under the read lock so Close cannot close a stream mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[topic] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Close ends every open stream. Later subscriptions receive an already closed stream.
func (d *VotesDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for topic, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(d.subscribers, topic)
	}
}

func closedStream() <-chan VotesMessage {
	ch := make(chan VotesMessage)
	close(ch)
	return ch
}

func (d *VotesDispatcher) subscriberCount(subjectID, episodeID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[episodeTopic{subjectID: subjectID, episodeID: episodeID}])
}

func (d *VotesDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *VotesDispatcher) registerSubscriber(topic episodeTopic, subscriber *votesSubscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*votesSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
	return true
}

func (d *VotesDispatcher) unregisterSubscriber(topic episodeTopic, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
