package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/location"
)

const (
	// Exchange receives every position event; consumers bind with
	// routing keys such as "position.<route>.#".
	Exchange = "shuttle.positions"

	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second
)

var (
	errNotConnected = errors.New("amqp: not connected")
	errClosed       = errors.New("amqp: sink closed")
)

// AMQPSink publishes position events to a topic exchange, reconnecting in
// the background when the connection or channel drops.
type AMQPSink struct {
	metrics Metrics

	mu              sync.Mutex
	conn            *amqp.Connection
	channel         *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	ready           bool

	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

// NewAMQPSink dials addr once synchronously so configuration errors surface
// at startup, then keeps the connection alive in the background.
func NewAMQPSink(addr string, m Metrics) (*AMQPSink, error) {
	s := &AMQPSink{metrics: orNop(m), done: make(chan struct{}), loopDone: make(chan struct{})}
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}
	if err := s.init(conn); err != nil {
		conn.Close()
		return nil, err
	}
	go s.handleReconnect(addr, conn)
	return s, nil
}

func (s *AMQPSink) handleReconnect(addr string, conn *amqp.Connection) {
	defer close(s.loopDone)
	for {
		if conn != nil {
			if done := s.handleReInit(conn); done {
				return
			}
		}
		s.setReady(false)
		log.Info().Msg("amqp reconnecting")

		var err error
		conn, err = amqp.Dial(addr)
		if err != nil {
			log.Warn().Err(err).Msg("amqp connect failed, retrying")
			conn = nil
			select {
			case <-s.done:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// handleReInit waits for a channel error and re-opens the channel. It
// returns true when the sink is shutting down.
func (s *AMQPSink) handleReInit(conn *amqp.Connection) bool {
	for {
		s.mu.Lock()
		connClose, chanClose := s.notifyConnClose, s.notifyChanClose
		ready := s.ready
		s.mu.Unlock()

		if !ready {
			if err := s.init(conn); err != nil {
				log.Warn().Err(err).Msg("amqp channel init failed, retrying")
				select {
				case <-s.done:
					return true
				case <-time.After(reInitDelay):
				}
				continue
			}
			continue
		}

		select {
		case <-s.done:
			return true
		case err := <-connClose:
			log.Warn().Err(err).Msg("amqp connection closed")
			return false
		case err := <-chanClose:
			log.Warn().Err(err).Msg("amqp channel closed, re-initialising")
			s.setReady(false)
		}
	}
}

func (s *AMQPSink) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}

	s.mu.Lock()
	if s.conn != conn {
		s.conn = conn
		s.notifyConnClose = make(chan *amqp.Error, 1)
		conn.NotifyClose(s.notifyConnClose)
	}
	s.channel = ch
	s.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(s.notifyChanClose)
	s.ready = true
	s.mu.Unlock()

	s.metrics.BusSetConnected(true)
	log.Info().Str("exchange", Exchange).Msg("amqp ready")
	return nil
}

func (s *AMQPSink) setReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
	s.metrics.BusSetConnected(ready)
}

// RoutingKey is position.<route>.<shuttle>.
func RoutingKey(ev PositionEvent) string {
	return "position." + location.SubjectToken(ev.RouteID) + "." + location.SubjectToken(ev.ShuttleID)
}

func (s *AMQPSink) Publish(ctx context.Context, ev PositionEvent) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	s.mu.Lock()
	ch, ready := s.channel, s.ready
	s.mu.Unlock()
	if !ready {
		s.metrics.EventPublishError()
		return errNotConnected
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, Exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.Timestamp,
		MessageId:   ev.SessionID,
		Body:        body,
	})
	observe(s.metrics, start, err)
	return err
}

func (s *AMQPSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		<-s.loopDone
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ready = false
		if s.channel != nil {
			_ = s.channel.Close()
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}
