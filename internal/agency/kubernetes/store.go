// Package kubernetes implements the agency on top of Kubernetes ConfigMaps.
// Every agency path maps to one ConfigMap in a dedicated namespace; the
// value lives under the "value" key. Watches ride on the API server's watch
// stream, so the plan can be edited with kubectl and observed by every
// coordinator replica.
package kubernetes

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/logger"
)

// Compile-time check to verify that Store implements the Agency interface.
var _ agency.Agency = new(Store)

const (
	valueKey       = "value"
	pathAnnotation = "shardwatch.dreamware.io/path"
	managedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "shardwatch"
)

// Store is an agency backed by ConfigMaps in one namespace.
type Store struct {
	client    kubernetes.Interface
	namespace string

	mu      sync.Mutex
	watches map[agency.Handle]context.CancelFunc
	nextID  agency.Handle

	logger *logger.Logger
}

// NewStore wraps an existing clientset.
func NewStore(client kubernetes.Interface, namespace string, log *logger.Logger) *Store {
	return &Store{
		client:    client,
		namespace: namespace,
		watches:   make(map[agency.Handle]context.CancelFunc),
		logger:    log.With("component", "kubernetes_agency", "namespace", namespace),
	}
}

// ObjectName maps an agency path to a ConfigMap name: segments are joined
// with dots and lower-cased. Paths that do not yield a valid DNS-1123
// subdomain are rejected.
func ObjectName(path string) (string, error) {
	if err := agency.ValidatePath(path); err != nil {
		return "", err
	}
	name := strings.ToLower(strings.ReplaceAll(path, "/", "."))
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return "", fmt.Errorf("%w: %q: %s", agency.ErrInvalidPath, path, strings.Join(errs, "; "))
	}
	return name, nil
}

func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	name, err := ObjectName(path)
	if err != nil {
		return nil, err
	}

	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, agency.ErrKeyNotFound
		}
		return nil, unavailable(err)
	}
	value, ok := cm.Data[valueKey]
	if !ok {
		return nil, agency.ErrKeyNotFound
	}
	return []byte(value), nil
}

func (s *Store) Write(ctx context.Context, path string, value []byte) error {
	name, err := ObjectName(path)
	if err != nil {
		return err
	}
	configMaps := s.client.CoreV1().ConfigMaps(s.namespace)

	cm, err := configMaps.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   s.namespace,
				Labels:      map[string]string{managedByLabel: managedBy},
				Annotations: map[string]string{pathAnnotation: path},
			},
			Data: map[string]string{valueKey: string(value)},
		}
		if _, err := configMaps.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return unavailable(err)
		}
		return nil
	case err != nil:
		return unavailable(err)
	}

	if cm.Data == nil {
		cm.Data = make(map[string]string, 1)
	}
	cm.Data[valueKey] = string(value)
	if _, err := configMaps.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	name, err := ObjectName(path)
	if err != nil {
		return err
	}
	err = s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return unavailable(err)
	}
	return nil
}

// RegisterWatch reads the current value, opens a watch from that resource
// version and delivers events from a dedicated goroutine. A broken stream is
// re-opened from the last seen version with exponential backoff until the
// watch is unregistered; an expired version triggers a fresh read.
func (s *Store) RegisterWatch(ctx context.Context, path string, fn agency.WatchFunc) (agency.Handle, error) {
	name, err := ObjectName(path)
	if err != nil {
		return 0, err
	}

	var current []byte
	var resourceVersion string
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		resourceVersion = cm.ResourceVersion
		if v, ok := cm.Data[valueKey]; ok {
			current = []byte(v)
		}
	case apierrors.IsNotFound(err):
	default:
		return 0, unavailable(err)
	}

	// The stream outlives ctx, which only bounds the registration itself.
	watchCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.open(watchCtx, name, resourceVersion)
	if err != nil {
		cancel()
		return 0, unavailable(err)
	}
	if err := ctx.Err(); err != nil {
		stream.Stop()
		cancel()
		return 0, fmt.Errorf("%w: registering %s: %w", agency.ErrUnavailable, path, err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watches[id] = cancel
	s.mu.Unlock()

	go s.deliver(watchCtx, name, stream, resourceVersion, current, fn)

	s.logger.Debug(ctx, "watch registered", "path", path, "object", name, "resource_version", resourceVersion)
	return id, nil
}

func (s *Store) UnregisterWatch(_ context.Context, h agency.Handle) error {
	s.mu.Lock()
	cancel, ok := s.watches[h]
	delete(s.watches, h)
	s.mu.Unlock()

	if !ok {
		return agency.ErrUnknownWatch
	}
	cancel()
	return nil
}

func (s *Store) open(ctx context.Context, name, resourceVersion string) (watch.Interface, error) {
	return s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("metadata.name", name).String(),
		ResourceVersion: resourceVersion,
	})
}

// deliver feeds fn from stream until ctx ends. resourceVersion is the
// version the stream was opened from; every reopen resumes from the last
// version seen, so a stream that ends early loses nothing. An expired
// version is recovered by reading the object again.
func (s *Store) deliver(ctx context.Context, name string, stream watch.Interface, resourceVersion string, current []byte, fn agency.WatchFunc) {
	last := current
	pace := newWatchBackOff()
	fn(nil, current)

	for {
		select {
		case <-ctx.Done():
			stream.Stop()
			return
		case ev, ok := <-stream.ResultChan():
			if !ok {
				if !sleep(ctx, pace.NextBackOff()) {
					return
				}
				stream = s.reopen(ctx, name, resourceVersion)
				if stream == nil {
					return
				}
				continue
			}

			if ev.Type == watch.Error {
				stream.Stop()
				err := apierrors.FromObject(ev.Object)
				if !sleep(ctx, pace.NextBackOff()) {
					return
				}
				if !apierrors.IsResourceExpired(err) && !apierrors.IsGone(err) {
					s.logger.Warn(ctx, "watch error, re-opening", "object", name, "error", err, "resource_version", resourceVersion)
					stream = s.reopen(ctx, name, resourceVersion)
					if stream == nil {
						return
					}
					continue
				}

				s.logger.Info(ctx, "watch expired, resyncing", "object", name, "resource_version", resourceVersion)
				var value []byte
				stream, resourceVersion, value = s.resync(ctx, name)
				if stream == nil {
					return
				}
				if !bytes.Equal(last, value) {
					fn(last, value)
					last = value
				}
				continue
			}

			cm, isConfigMap := ev.Object.(*corev1.ConfigMap)
			if !isConfigMap || cm.Name != name {
				continue
			}
			resourceVersion = cm.ResourceVersion
			pace.Reset()

			var next []byte
			switch ev.Type {
			case watch.Added, watch.Modified:
				v, ok := cm.Data[valueKey]
				if !ok {
					continue
				}
				next = []byte(v)
			case watch.Deleted:
			default:
				continue
			}

			if ctx.Err() != nil {
				stream.Stop()
				return
			}
			fn(last, next)
			last = next
		}
	}
}

// newWatchBackOff paces re-opening a watch. It never gives up; the watch
// context ends it.
func newWatchBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reopen opens a new stream from resourceVersion, retrying until it
// succeeds or ctx ends. It returns nil once ctx is done.
func (s *Store) reopen(ctx context.Context, name, resourceVersion string) watch.Interface {
	var stream watch.Interface
	operation := func() error {
		var err error
		stream, err = s.open(ctx, name, resourceVersion)
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn(ctx, "re-opening watch failed", "object", name, "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(newWatchBackOff(), ctx), notify); err != nil {
		return nil
	}
	if ctx.Err() != nil {
		stream.Stop()
		return nil
	}
	return stream
}

// resync reads the object again and opens a stream from its current
// resource version. A missing object yields a nil value and a stream from
// the latest version, which reports the object once it is created.
func (s *Store) resync(ctx context.Context, name string) (watch.Interface, string, []byte) {
	var (
		stream          watch.Interface
		resourceVersion string
		value           []byte
	)
	operation := func() error {
		resourceVersion, value = "", nil
		cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
		switch {
		case err == nil:
			resourceVersion = cm.ResourceVersion
			if v, ok := cm.Data[valueKey]; ok {
				value = []byte(v)
			}
		case apierrors.IsNotFound(err):
		default:
			return err
		}
		stream, err = s.open(ctx, name, resourceVersion)
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn(ctx, "resyncing watch failed", "object", name, "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(newWatchBackOff(), ctx), notify); err != nil {
		return nil, "", nil
	}
	if ctx.Err() != nil {
		stream.Stop()
		return nil, "", nil
	}
	return stream, resourceVersion, value
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", agency.ErrUnavailable, err)
}
