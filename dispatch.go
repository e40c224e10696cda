package vsmtp

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ProcessMessage is the in-process handoff to a queue worker. It carries
// only the message-id; the worker re-reads the full context from the
// queue.
type ProcessMessage struct {
	MessageID string
}

// Dispatcher routes a completed mail to its queue and worker. The handoff
// channels are bounded; a full channel suspends the dispatch step rather
// than dropping the signal, which is the backpressure path from slow
// workers to fast senders.
type Dispatcher struct {
	Store    QueueStore
	Working  chan<- ProcessMessage
	Delivery chan<- ProcessMessage
}

// OnMail commits one mail and acknowledges it to the peer. The ordering is
// load-bearing: durable queue write, then worker handoff, then 250. A
// client that reads the 250 is guaranteed the worker has been signalled.
//
// Routing follows the metadata the pre-queue hook produced:
//
//   - resolver "none": the mail was quarantined or deliberately dropped by
//     policy; acknowledge and do nothing else,
//   - skipped: bypass the working stage, enqueue for delivery directly,
//   - otherwise: enqueue for the working stage.
//
// A queue-write failure answers 554, removes the partial file, and leaves
// the connection alive for further transactions.
func (d *Dispatcher) OnMail(ctx context.Context, conn *Connection, mail *MailContext) error {
	log := conn.Log().WithField("message_id", mail.Metadata.MessageID)

	if mail.Metadata.Resolver == ResolverNone {
		log.Warn("delivery skipped, no resolver set for this mail")
		return conn.SendCode(CodeOK)
	}

	queue, signal := QueueWorking, d.Working
	if mail.Metadata.Skipped() {
		log.WithField("reason", mail.Metadata.SkipReason).Warn("working stage skipped")
		queue, signal = QueueDeliver, d.Delivery
	}

	if err := d.Store.Write(ctx, queue, mail); err != nil {
		queueWriteFailures.Inc()
		d.Store.Remove(queue, mail.Metadata.MessageID)
		log.WithError(err).WithField("queue", queue.String()).Error("queue write failed")
		return conn.SendCode(CodeTransactionFailed)
	}

	select {
	case signal <- ProcessMessage{MessageID: mail.Metadata.MessageID}:
	case <-ctx.Done():
		// The session deadline fired while the worker channel was full.
		// The mail is on disk and will be picked up on restart; the
		// client never sees a 250 for it.
		log.Warn("handoff cancelled, mail left queued")
		conn.Alive = false
		return ctx.Err()
	}

	mailsQueued.WithLabelValues(queue.String()).Inc()
	log.WithFields(logrus.Fields{
		"queue":      queue.String(),
		"recipients": len(mail.Envelope.ForwardPaths),
	}).Info("mail queued")
	return conn.SendCode(CodeOK)
}
