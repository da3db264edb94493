package buckets

import (
	"context"
	"errors"
	"fmt"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/lock"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/metrics"
	"github.com/arencloud/kbadmin/internal/notify"
	"github.com/arencloud/kbadmin/internal/s3"
)

// ProgressEvent is the notification name carrying Progress payloads.
const ProgressEvent = "bucket:delete:progress"

type Status string

const (
	StatusAnalyzing       Status = "analyzing"
	StatusDeletingObjects Status = "deleting_objects"
	StatusDeletingBucket  Status = "deleting_bucket"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
)

type Progress struct {
	BucketName string `json:"bucketName"`
	Status     Status `json:"status"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}

const DefaultBatchSize = 100

// ObjectStore is the part of the object store a deletion needs.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]s3.Object, error)
	RemoveObjects(ctx context.Context, bucket string, names []string) error
	RemoveBucket(ctx context.Context, name string) error
}

type MetadataStore interface {
	DeleteByName(ctx context.Context, name string) error
}

// Actor identifies who started an operation, for progress routing and audit.
type Actor struct {
	UserID string
	Email  string
	IP     string
}

type Deleter struct {
	Store     ObjectStore
	Meta      MetadataStore
	Notifier  notify.Notifier
	Audit     audit.Sink
	Locker    lock.Locker
	BatchSize int
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

func (d *Deleter) batchSize() int {
	if d.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return d.BatchSize
}

func (d *Deleter) logger() logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

// Delete empties bucketName in sequential batches, removes it with its
// metadata record and reports each step to the actor as a Progress event.
// Failures emit an error event and are returned as *StoreError.
func (d *Deleter) Delete(ctx context.Context, actor Actor, bucketName string) error {
	log := d.logger().With("bucket", bucketName, "userId", actor.UserID)

	if d.Locker != nil {
		unlock, err := d.Locker.TryLock(ctx, "bucket-delete:"+bucketName)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				d.Metrics.Deletion("conflict")
				return ErrDeletionInProgress
			}
			return fmt.Errorf("locking bucket %s: %w", bucketName, err)
		}
		defer unlock()
	}

	emit := func(p Progress) {
		p.BucketName = bucketName
		if d.Notifier != nil {
			d.Notifier.EmitToUser(actor.UserID, ProgressEvent, p)
		}
	}
	fail := func(op string, cause error, current, total int) error {
		log.Error("bucket deletion failed", "op", op, "current", current, "total", total, "error", cause)
		emit(Progress{Status: StatusError, Current: current, Total: total, Message: "Bucket deletion failed", Error: cause.Error()})
		d.Metrics.Deletion("failed")
		return &StoreError{Op: op, Bucket: bucketName, Err: cause}
	}

	emit(Progress{Status: StatusAnalyzing, Message: "Analyzing bucket contents"})

	objects, err := d.Store.ListObjects(ctx, bucketName, "", true)
	if err != nil {
		return fail("list objects", err, 0, 0)
	}
	names := make([]string, len(objects))
	for i, o := range objects {
		names[i] = o.Name
	}
	total := len(names)
	log.Info("deleting bucket", "objects", total)
	emit(Progress{Status: StatusDeletingObjects, Total: total, Message: fmt.Sprintf("Deleting %d objects", total)})

	size := d.batchSize()
	deleted := 0
	for start := 0; start < total; start += size {
		end := min(start+size, total)
		if err := d.Store.RemoveObjects(ctx, bucketName, names[start:end]); err != nil {
			return fail("remove objects", err, deleted, total)
		}
		d.Metrics.ObjectsDeleted(end - start)
		deleted = end
		emit(Progress{Status: StatusDeletingObjects, Current: deleted, Total: total, Message: fmt.Sprintf("Deleted %d of %d objects", deleted, total)})
	}

	emit(Progress{Status: StatusDeletingBucket, Current: total, Total: total, Message: "Deleting bucket"})
	if err := d.Store.RemoveBucket(ctx, bucketName); err != nil {
		return fail("remove bucket", err, total, total)
	}
	if d.Meta != nil {
		if err := d.Meta.DeleteByName(ctx, bucketName); err != nil {
			return fail("delete metadata", err, total, total)
		}
	}

	if d.Audit != nil {
		err := d.Audit.Log(ctx, audit.Entry{
			UserID:       actor.UserID,
			UserEmail:    actor.Email,
			Action:       audit.ActionBucketDelete,
			ResourceType: "bucket",
			ResourceID:   bucketName,
			Details:      map[string]any{"objectsDeleted": total},
			IPAddress:    actor.IP,
		})
		if err != nil {
			log.Warn("audit write failed", "action", audit.ActionBucketDelete, "error", err)
		}
	}

	emit(Progress{Status: StatusCompleted, Current: total, Total: total, Message: "Bucket deleted"})
	d.Metrics.Deletion("completed")
	log.Info("bucket deleted", "objects", total)
	return nil
}
