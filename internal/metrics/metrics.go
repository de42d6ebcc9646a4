package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_envelopes_received_total",
			Help: "Inbound envelopes per transport",
		},
		[]string{"transport"},
	)

	EngagementDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_engagement_decisions_total",
			Help: "Engagement policy outcomes (command, record, engage)",
		},
		[]string{"outcome"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "parley_generation_latency_seconds",
			Help: "Generation backend latency in seconds",
		},
	)

	GenerationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_generation_errors_total",
			Help: "Generation calls that ended in a failure substitution",
		},
	)

	RetrievalLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "parley_retrieval_latency_seconds",
			Help: "Retrieval backend latency in seconds",
		},
	)

	HistoryEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_history_evictions_total",
			Help: "Dialogue turns evicted to satisfy the token floor",
		},
	)

	BroadcastSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_broadcast_sends_total",
			Help: "Outbound sends per transport, after splitting",
		},
		[]string{"transport"},
	)

	ReplySplits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_reply_splits_total",
			Help: "Replies that had to be split to fit a transport limit",
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_active_conversations",
			Help: "Number of live conversation actors",
		},
	)

	ConversationCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_conversation_crashes_total",
			Help: "Conversation actors terminated by panic and reaped",
		},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_tool_invocations_total",
			Help: "Tool command invocations by name and result",
		},
		[]string{"tool", "result"},
	)

	Regenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_qc_regenerations_total",
			Help: "Replies regenerated after failing the single-section check",
		},
	)

	MailboxDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_mailbox_drops_total",
			Help: "Envelopes dropped because a conversation mailbox was full",
		},
	)
)
