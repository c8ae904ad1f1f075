package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/brokerflow/eventcore/internal/model"
)

// Bucket names for the NATS-backed store, one JetStream KV bucket per
// concern.
const (
	bucketWorkflows = "workflows"
	bucketTriggers  = "event-triggers"
	bucketInstances = "element-instances"
	bucketDeferred  = "deferred-records"
	bucketVariables = "temp-variables"
	bucketKeys      = "key-generator"
)

var allBuckets = []string{bucketWorkflows, bucketTriggers, bucketInstances, bucketDeferred, bucketVariables, bucketKeys}

// NatsKV is the JetStream KV-backed implementation of every store
// interface, for use by the running server where state must survive a
// process restart.
type NatsKV struct {
	js      jetstream.JetStream
	buckets map[string]jetstream.KeyValue
}

// NewNatsKV ensures every bucket this store needs exists and returns a
// store bound to them.
func NewNatsKV(ctx context.Context, js jetstream.JetStream) (*NatsKV, error) {
	kv := &NatsKV{js: js, buckets: make(map[string]jetstream.KeyValue, len(allBuckets))}
	for _, name := range allBuckets {
		b, err := ensureBucket(ctx, js, name)
		if err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", name, err)
		}
		kv.buckets[name] = b
	}
	return kv, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	b, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: name})
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func saveObj(ctx context.Context, kv jetstream.KeyValue, key string, v interface{}) error {
	b, err := model.Encode(v)
	if err != nil {
		return fmt.Errorf("encode object for %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, b); err != nil {
		return fmt.Errorf("save object %s: %w", key, err)
	}
	return nil
}

func loadObj(ctx context.Context, kv jetstream.KeyValue, key string, v interface{}) (bool, error) {
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load object %s: %w", key, err)
	}
	if err := model.Decode(entry.Value(), v); err != nil {
		return false, fmt.Errorf("decode object %s: %w", key, err)
	}
	return true, nil
}

// updateObj loads key, applies updateFn, and saves the result back,
// retrying on a concurrent-modification conflict by re-reading and
// reapplying updateFn against the latest revision.
func updateObj[T any](ctx context.Context, kv jetstream.KeyValue, key string, zero T, updateFn func(T) (T, error)) error {
	for {
		entry, err := kv.Get(ctx, key)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("get object %s to update: %w", key, err)
		}
		current := zero
		rev := uint64(0)
		if err == nil {
			if decodeErr := model.Decode(entry.Value(), &current); decodeErr != nil {
				return fmt.Errorf("decode object %s to update: %w", key, decodeErr)
			}
			rev = entry.Revision()
		}
		updated, err := updateFn(current)
		if err != nil {
			return fmt.Errorf("update function for %s: %w", key, err)
		}
		b, err := model.Encode(updated)
		if err != nil {
			return fmt.Errorf("encode updated object %s: %w", key, err)
		}
		if rev == 0 {
			if _, err := kv.Create(ctx, key, b); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return fmt.Errorf("create object %s: %w", key, err)
			}
			return nil
		}
		if _, err := kv.Update(ctx, key, b, rev); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return fmt.Errorf("update object %s: %w", key, err)
		}
		return nil
	}
}

func workflowKey(k model.Key) string             { return fmt.Sprintf("%d", k) }
func instanceKey(k model.Key) string              { return fmt.Sprintf("%d", k) }
func triggerQueueKey(scopeKey model.Key) string  { return fmt.Sprintf("%d", scopeKey) }
func deferredKey(ownerScopeKey model.Key) string { return fmt.Sprintf("%d", ownerScopeKey) }
func variablesKey(scopeKey model.Key, elementID string) string {
	return fmt.Sprintf("%d.%s", scopeKey, elementID)
}

// GetWorkflow implements WorkflowStore.
func (s *NatsKV) GetWorkflow(ctx context.Context, workflowKey_ model.Key) (*model.Workflow, error) {
	var wf model.Workflow
	found, err := loadObj(ctx, s.buckets[bucketWorkflows], workflowKey(workflowKey_), &wf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no workflow found for key %d", workflowKey_)
	}
	return &wf, nil
}

// PutWorkflow seeds the workflows bucket; used by bootstrap/deployment code
// outside this package's test scope.
func (s *NatsKV) PutWorkflow(ctx context.Context, wf *model.Workflow) error {
	return saveObj(ctx, s.buckets[bucketWorkflows], workflowKey(wf.WorkflowKey), wf)
}

type triggerQueue struct {
	Triggers []model.EventTrigger
}

// PeekEventTrigger implements EventScopeStore.
func (s *NatsKV) PeekEventTrigger(ctx context.Context, scopeKey model.Key) (*model.EventTrigger, error) {
	var q triggerQueue
	found, err := loadObj(ctx, s.buckets[bucketTriggers], triggerQueueKey(scopeKey), &q)
	if err != nil {
		return nil, err
	}
	if !found || len(q.Triggers) == 0 {
		return nil, nil
	}
	t := q.Triggers[0]
	return &t, nil
}

// QueueEventTrigger implements EventScopeStore.
func (s *NatsKV) QueueEventTrigger(ctx context.Context, scopeKey model.Key, trigger model.EventTrigger) error {
	key := triggerQueueKey(scopeKey)
	return updateObj(ctx, s.buckets[bucketTriggers], key, triggerQueue{}, func(q triggerQueue) (triggerQueue, error) {
		q.Triggers = append(q.Triggers, trigger)
		sort.Slice(q.Triggers, func(i, j int) bool { return q.Triggers[i].EventKey < q.Triggers[j].EventKey })
		return q, nil
	})
}

// DeleteTrigger implements EventScopeStore.
func (s *NatsKV) DeleteTrigger(ctx context.Context, scopeKey model.Key, eventKey model.Key) error {
	key := triggerQueueKey(scopeKey)
	return updateObj(ctx, s.buckets[bucketTriggers], key, triggerQueue{}, func(q triggerQueue) (triggerQueue, error) {
		for i, t := range q.Triggers {
			if t.EventKey == eventKey {
				q.Triggers = append(q.Triggers[:i], q.Triggers[i+1:]...)
				break
			}
		}
		return q, nil
	})
}

// NewInstance implements ElementInstanceStore.
func (s *NatsKV) NewInstance(ctx context.Context, parentKey model.Key, elementID string) (*model.ElementInstance, error) {
	key, err := s.NextKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate element instance key: %w", err)
	}
	inst := &model.ElementInstance{Key: key, ParentKey: parentKey, ElementID: elementID, State: model.StateActivating}
	if err := saveObj(ctx, s.buckets[bucketInstances], instanceKey(inst.Key), inst); err != nil {
		return nil, fmt.Errorf("store new element instance: %w", err)
	}
	return inst, nil
}

// GetInstance implements ElementInstanceStore.
func (s *NatsKV) GetInstance(ctx context.Context, key model.Key) (*model.ElementInstance, error) {
	var inst model.ElementInstance
	found, err := loadObj(ctx, s.buckets[bucketInstances], instanceKey(key), &inst)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no element instance found for key %d", key)
	}
	return &inst, nil
}

// UpdateInstance implements ElementInstanceStore.
func (s *NatsKV) UpdateInstance(ctx context.Context, instance *model.ElementInstance) error {
	return saveObj(ctx, s.buckets[bucketInstances], instanceKey(instance.Key), instance)
}

type deferredList struct {
	Records []model.DeferredRecord
}

// StoreDeferredRecord implements ElementInstanceStore.
func (s *NatsKV) StoreDeferredRecord(ctx context.Context, rec model.DeferredRecord) error {
	key := deferredKey(rec.OwnerScopeKey)
	return updateObj(ctx, s.buckets[bucketDeferred], key, deferredList{}, func(l deferredList) (deferredList, error) {
		l.Records = append(l.Records, rec)
		return l, nil
	})
}

// GetDeferredRecords implements ElementInstanceStore.
func (s *NatsKV) GetDeferredRecords(ctx context.Context, ownerScopeKey model.Key) ([]model.DeferredRecord, error) {
	var l deferredList
	found, err := loadObj(ctx, s.buckets[bucketDeferred], deferredKey(ownerScopeKey), &l)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return l.Records, nil
}

// DeleteDeferredRecords implements ElementInstanceStore.
func (s *NatsKV) DeleteDeferredRecords(ctx context.Context, ownerScopeKey model.Key) error {
	if err := s.buckets[bucketDeferred].Delete(ctx, deferredKey(ownerScopeKey)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete deferred records for scope %d: %w", ownerScopeKey, err)
	}
	return nil
}

// ListActiveChildren implements ElementInstanceStore. No parent index is
// kept, so this scans every key in the element-instances bucket; an
// interrupting event sub-process firing is rare enough that this is
// acceptable.
func (s *NatsKV) ListActiveChildren(ctx context.Context, scopeKey model.Key) ([]*model.ElementInstance, error) {
	lister, err := s.buckets[bucketInstances].ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list element instance keys: %w", err)
	}
	defer lister.Stop()

	var children []*model.ElementInstance
	for key := range lister.Keys() {
		var inst model.ElementInstance
		found, err := loadObj(ctx, s.buckets[bucketInstances], key, &inst)
		if err != nil {
			return nil, err
		}
		if !found || inst.ParentKey != scopeKey || !inst.IsActive() {
			continue
		}
		children = append(children, &inst)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })
	return children, nil
}

// SetTemporaryVariables implements VariablesStore.
func (s *NatsKV) SetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string, variables []byte) error {
	if _, err := s.buckets[bucketVariables].Put(ctx, variablesKey(scopeKey, elementID), variables); err != nil {
		return fmt.Errorf("set temporary variables: %w", err)
	}
	return nil
}

// GetTemporaryVariables implements VariablesStore.
func (s *NatsKV) GetTemporaryVariables(ctx context.Context, scopeKey model.Key, elementID string) ([]byte, error) {
	entry, err := s.buckets[bucketVariables].Get(ctx, variablesKey(scopeKey, elementID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get temporary variables: %w", err)
	}
	return entry.Value(), nil
}

const keyCounterName = "counter"

type keyCounter struct {
	Value model.Key
}

// NextKey implements KeyGenerator, incrementing a single counter entry
// under optimistic-concurrency retry.
func (s *NatsKV) NextKey(ctx context.Context) (model.Key, error) {
	var next model.Key
	err := updateObj(ctx, s.buckets[bucketKeys], keyCounterName, keyCounter{}, func(c keyCounter) (keyCounter, error) {
		c.Value++
		next = c.Value
		return c, nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocate next key: %w", err)
	}
	return next, nil
}

// AppendNewEvent implements StreamWriter by persisting the instance the
// record describes; the KV buckets themselves are this store's log, there
// is no separate append-only stream to write to.
func (s *NatsKV) AppendNewEvent(ctx context.Context, rec Record) error {
	return s.UpdateInstance(ctx, &rec.Instance)
}

// AppendFollowUpEvent implements StreamWriter.
func (s *NatsKV) AppendFollowUpEvent(ctx context.Context, rec Record) error {
	return s.AppendNewEvent(ctx, rec)
}
