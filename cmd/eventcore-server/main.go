// Command eventcore-server runs one partition's subscription router and
// BPMN event-subscription behavior against a NATS JetStream cluster.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/brokerflow/eventcore/internal/actor"
	"github.com/brokerflow/eventcore/internal/bpmn"
	"github.com/brokerflow/eventcore/internal/catchevent"
	"github.com/brokerflow/eventcore/internal/config"
	"github.com/brokerflow/eventcore/internal/expression"
	"github.com/brokerflow/eventcore/internal/logx"
	"github.com/brokerflow/eventcore/internal/metrics"
	"github.com/brokerflow/eventcore/internal/model"
	"github.com/brokerflow/eventcore/internal/partition"
	"github.com/brokerflow/eventcore/internal/router"
	"github.com/brokerflow/eventcore/internal/store"
	"github.com/brokerflow/eventcore/internal/topology"
	"github.com/brokerflow/eventcore/internal/transport"
)

var topicName string

// rootCmd starts the server; it is the only command this binary exposes, a
// single subtree with exactly one Run attached to its root command.
var rootCmd = &cobra.Command{
	Use:   "eventcore-server",
	Short: "eventcore subscription router and BPMN event-subscription service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&topicName, "topic", "orders", "topic whose partitions this node serves")
}

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		pterm.Warning.Printfln("set GOMAXPROCS: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.GetEnvironment()
	if err != nil {
		return fmt.Errorf("load environment settings: %w", err)
	}

	lev, addSource := parseLevel(cfg.LogLevel)
	logx.SetDefault(lev, addSource, "eventcore")
	log := logx.FromContext(ctx)

	nodeID := ksuid.New().String()
	ctx = logx.WithCorrelationID(ctx, nodeID)
	pterm.DefaultHeader.WithFullWidth().Println("eventcore")
	pterm.Info.Printfln("node %s joining namespace %q, serving topic %q", nodeID, cfg.Namespace, topicName)

	conn, err := nats.Connect(cfg.NatsURL, nats.Name("eventcore-"+nodeID))
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", cfg.NatsURL, err)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("open jetstream context: %w", err)
	}

	topo := topology.NewView()
	discovery, err := topology.NewNatsDiscovery(ctx, js, topo)
	if err != nil {
		return fmt.Errorf("start topology discovery: %w", err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := discovery.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			log.Error("topology watch stopped", "error", err)
		}
	}()
	self := model.NodeInfo{
		SubscriptionAPIAddress: transport.SubscriptionSubject(cfg.Namespace, model.PartitionId(cfg.PartitionID)),
		ManagementAPIAddress:   transport.ManagementSubject(cfg.Namespace, model.PartitionId(cfg.PartitionID)),
	}
	if err := discovery.PublishLeader(ctx, model.PartitionId(cfg.PartitionID), self, cfg.PartitionID == 0); err != nil {
		return fmt.Errorf("publish self as partition leader: %w", err)
	}

	tc := transport.NewNatsClient(conn, transport.NewBootstrapBackoff())

	m := metrics.New(prometheus.DefaultRegisterer)
	if err := m.Register(); err != nil {
		return fmt.Errorf("register metrics collectors: %w", err)
	}
	go serveMetrics(log, cfg.MetricsBindAddress)

	r := router.New(cfg.Namespace, partition.NewHasher(), topo, tc).WithMetrics(m)

	bootCtx, cancelBoot := context.WithTimeout(ctx, cfg.BootstrapDeadline)
	defer cancelBoot()
	if err := r.FetchCreatedTopics(bootCtx, topicName); err != nil {
		log.Warn("could not resolve partitions at startup, message subscriptions cannot be opened until partition ids are set", "error", err)
	}

	kv, err := store.NewNatsKV(ctx, js)
	if err != nil {
		return fmt.Errorf("open nats kv stores: %w", err)
	}

	exprEngine := expression.NewEngine()
	catchEvents := catchevent.New(r, exprEngine, kv, kv, model.PartitionId(cfg.PartitionID))
	behavior := bpmn.New(&bpmn.ElementDeclarations{}, kv, kv, kv, kv, kv, kv).
		WithMetrics(m).
		WithUnsubscriber(catchEvents)

	// The partition actor: every inbound subscription command and signal
	// broadcast is handled as a closure posted here, so those handlers never
	// run concurrently with each other. Topology updates are not posted here:
	// the discovery watch goroutine applies them to the View, which guards
	// them with its own lock, and timer catch events fire on their own timer
	// goroutines. The subscription subject this node claimed above is where
	// the five subscription wire commands land; each inbound message is
	// decoded and posted onto the actor in turn.
	coordinator := actor.New(cfg.Concurrency)
	defer coordinator.Stop()

	sub, err := conn.Subscribe(self.SubscriptionAPIAddress, func(msg *nats.Msg) {
		kind, payload, err := router.DecodeCommand(msg.Data)
		if err != nil {
			log.Error("decode subscription command", "error", err)
			return
		}
		if postErr := coordinator.RunOnCompletion(func(ctx context.Context) {
			if err := dispatchSubscriptionCommand(ctx, r, kv, behavior, kind, payload); err != nil {
				log.Error("handle subscription command", "kind", kind, "error", err)
			}
		}); postErr != nil {
			log.Error("post subscription command to actor", "kind", kind, "error", postErr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to subscription subject: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn("unsubscribe from subscription subject", "error", err)
		}
	}()

	signalSub, err := conn.Subscribe(transport.SignalBroadcastSubject(cfg.Namespace), func(msg *nats.Msg) {
		var broadcast model.SignalBroadcast
		if err := model.Decode(msg.Data, &broadcast); err != nil {
			log.Error("decode signal broadcast", "error", err)
			return
		}
		if postErr := coordinator.RunOnCompletion(func(ctx context.Context) {
			if err := catchEvents.BroadcastSignal(ctx, broadcast.Name, broadcast.Payload); err != nil {
				log.Error("broadcast signal", "name", broadcast.Name, "error", err)
			}
		}); postErr != nil {
			log.Error("post signal broadcast to actor", "name", broadcast.Name, "error", postErr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to signal broadcast subject: %w", err)
	}
	defer func() {
		if err := signalSub.Unsubscribe(); err != nil {
			log.Warn("unsubscribe from signal broadcast subject", "error", err)
		}
	}()

	pterm.Success.Printfln("eventcore node %s ready on partition %d", nodeID, cfg.PartitionID)
	<-ctx.Done()
	log.Info("shutting down", "reason", ctx.Err())
	return shutdown(discovery, model.PartitionId(cfg.PartitionID))
}

// dispatchSubscriptionCommand handles one decoded subscription wire command
// on the partition actor's goroutine. CorrelateWorkflowInstanceSubscription
// is the only one that reaches into bpmn.Behavior, since it is the only one
// that delivers a payload an already-subscribed activity instance is
// waiting on; the other four are acknowledgements or registry maintenance
// this node either owns (OpenMessageSubscription, ack'd immediately, and
// CloseMessageSubscription, logged, since a subscription registry beyond
// the event-scope queue itself is not kept) or merely observes
// (OpenedMessageSubscription/RejectCorrelateMessageSubscription, logged and
// otherwise ignored).
func dispatchSubscriptionCommand(
	ctx context.Context,
	r *router.Router,
	kv *store.NatsKV,
	behavior *bpmn.Behavior,
	kind string,
	payload []byte,
) error {
	log := logx.FromContext(ctx)
	switch kind {
	case router.CommandOpenMessageSubscription:
		var cmd model.OpenMessageSubscription
		if err := model.Decode(payload, &cmd); err != nil {
			return fmt.Errorf("decode open message subscription: %w", err)
		}
		if _, err := r.OpenedMessageSubscription(ctx, cmd.WorkflowInstancePartitionId, cmd.WorkflowInstanceKey, cmd.ActivityInstanceKey, cmd.MessageName); err != nil {
			return fmt.Errorf("acknowledge open message subscription: %w", err)
		}
		return nil

	case router.CommandCloseMessageSubscription:
		var cmd model.CloseMessageSubscription
		if err := model.Decode(payload, &cmd); err != nil {
			return fmt.Errorf("decode close message subscription: %w", err)
		}
		log.Debug("closed message subscription", "activityInstanceKey", cmd.ActivityInstanceKey, "messageName", string(cmd.MessageName))
		return nil

	case router.CommandCorrelateWorkflowInstanceSubscription:
		return correlateWorkflowInstanceSubscription(ctx, kv, behavior, payload)

	case router.CommandOpenedMessageSubscription:
		var cmd model.OpenedMessageSubscription
		if err := model.Decode(payload, &cmd); err != nil {
			return fmt.Errorf("decode opened message subscription: %w", err)
		}
		log.Debug("message subscription opened", "activityInstanceKey", cmd.ActivityInstanceKey, "messageName", string(cmd.MessageName))
		return nil

	case router.CommandRejectCorrelateMessageSubscription:
		var cmd model.RejectCorrelateMessageSubscription
		if err := model.Decode(payload, &cmd); err != nil {
			return fmt.Errorf("decode reject correlate message subscription: %w", err)
		}
		log.Warn("correlation rejected", "activityInstanceKey", cmd.ActivityInstanceKey, "messageName", string(cmd.MessageName), "reason", cmd.Reason)
		return nil

	default:
		return fmt.Errorf("unknown subscription command kind %q", kind)
	}
}

// correlateWorkflowInstanceSubscription queues the correlated message's
// payload as an EventTrigger on the subscribed activity instance's scope
// and drives it through the behavior exactly as a locally-produced trigger
// would be: trigger, then (if it was actually consumed) publish.
func correlateWorkflowInstanceSubscription(ctx context.Context, kv *store.NatsKV, behavior *bpmn.Behavior, payload []byte) error {
	var cmd model.CorrelateWorkflowInstanceSubscription
	if err := model.Decode(payload, &cmd); err != nil {
		return fmt.Errorf("decode correlate workflow instance subscription: %w", err)
	}
	instance, err := kv.GetInstance(ctx, cmd.ActivityInstanceKey)
	if err != nil {
		return fmt.Errorf("look up activity instance %d: %w", cmd.ActivityInstanceKey, err)
	}
	eventKey, err := kv.NextKey(ctx)
	if err != nil {
		return fmt.Errorf("allocate event key for correlated message: %w", err)
	}
	if err := kv.QueueEventTrigger(ctx, instance.Key, model.EventTrigger{
		ScopeKey:  instance.Key,
		EventKey:  eventKey,
		ElementID: instance.ElementID,
		Variables: cmd.Payload,
	}); err != nil {
		return fmt.Errorf("queue correlated message trigger: %w", err)
	}
	consumed, err := behavior.TriggerBoundaryOrIntermediateEvent(ctx, instance)
	if err != nil {
		return fmt.Errorf("trigger boundary or intermediate event for activity instance %d: %w", instance.Key, err)
	}
	if !consumed {
		return nil
	}
	if _, err := behavior.PublishTriggeredBoundaryEvent(ctx, instance); err != nil {
		return fmt.Errorf("publish triggered boundary event for activity instance %d: %w", instance.Key, err)
	}
	return nil
}

// shutdown clears this node's leadership claim before the process exits, so
// peers stop routing to an address that is about to go away instead of
// waiting out a liveness timeout. Cleanup errors are collected with
// multierror; clearing the leadership claim is currently the only step
// that can report one (cancelWatch and conn.Close, deferred in run, report
// nothing here).
func shutdown(discovery *topology.NatsDiscovery, partitionID model.PartitionId) error {
	var result *multierror.Error
	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := discovery.PublishLeader(clearCtx, partitionID, model.NodeInfo{}, false); err != nil {
		result = multierror.Append(result, fmt.Errorf("clear leadership claim on shutdown: %w", err))
	}
	return result.ErrorOrNil()
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

func parseLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "warn":
		return slog.LevelWarn, false
	case "error":
		return slog.LevelError, false
	default:
		return slog.LevelInfo, false
	}
}
