package deploy

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sapcc/vcenter-operator/pkg/constants"
)

// Apply applies a computed Delta to the orchestrator: creates and updates
// first, ordered by kind priority (spec.md §4.G), then deletes. Each
// create/update uses server-side apply with force-conflicts under the
// FieldManager field manager; an HTTP 422 (unprocessable entity) is
// queued for a single retry pass; a conflict that still doesn't resolve,
// or any schema error SSA can't apply, falls back to a full replace
// (Update). Delete 404s are benign. Grounded on
// _examples/original_source/vcenter_operator/configurator.py:apply.
func Apply(ctx context.Context, c client.Client, logger logr.Logger, delta *Delta) error {
	ids := OrderItems(append(delta.Creates(), delta.Updates()...))

	var retry []ItemID
	for _, id := range ids {
		obj := delta.Items[id]
		if err := applyOne(ctx, c, obj); err != nil {
			if apierrors.IsInvalid(err) || isUnprocessable(err) {
				retry = append(retry, id)
				continue
			}
			return errors.Wrapf(err, "applying %s/%s %s/%s", id.APIVersion, id.Kind, id.Namespace, id.Name)
		}
	}

	for _, id := range retry {
		obj := delta.Items[id]
		if err := applyOne(ctx, c, obj); err != nil {
			logger.Error(err, "apply retry failed", "kind", id.Kind, "name", id.Name, "namespace", id.Namespace)
		}
	}

	for _, id := range OrderItems(delta.Deletes()) {
		if err := deleteOne(ctx, c, id); err != nil {
			return errors.Wrapf(err, "deleting %s/%s %s/%s", id.APIVersion, id.Kind, id.Namespace, id.Name)
		}
	}

	return nil
}

func applyOne(ctx context.Context, c client.Client, obj *unstructured.Unstructured) error {
	target := obj.DeepCopy()
	err := c.Patch(ctx, target, client.Apply,
		client.FieldOwner(constants.FieldManager),
		client.ForceOwnership,
	)
	if err == nil {
		return nil
	}
	if apierrors.IsConflict(err) || isUnapplyableSchema(err) {
		return replaceOne(ctx, c, obj)
	}
	return err
}

// replaceOne falls back to a straight update, fetching the current
// resourceVersion first so the write isn't rejected as a stale write.
func replaceOne(ctx context.Context, c client.Client, obj *unstructured.Unstructured) error {
	existing := &unstructured.Unstructured{}
	existing.SetGroupVersionKind(obj.GroupVersionKind())
	key := client.ObjectKeyFromObject(obj)
	if err := c.Get(ctx, key, existing); err != nil {
		if apierrors.IsNotFound(err) {
			return c.Create(ctx, obj.DeepCopy())
		}
		return err
	}

	replacement := obj.DeepCopy()
	replacement.SetResourceVersion(existing.GetResourceVersion())
	return c.Update(ctx, replacement)
}

func deleteOne(ctx context.Context, c client.Client, id ItemID) error {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(id.APIVersion)
	obj.SetKind(id.Kind)
	obj.SetName(id.Name)
	obj.SetNamespace(id.Namespace)

	err := c.Delete(ctx, obj)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func isUnprocessable(err error) bool {
	var statusErr *apierrors.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Status().Code == 422
}

// isUnapplyableSchema reports whether err indicates the resource's schema
// rejected a server-side-apply patch outright (as opposed to a field
// ownership conflict), in which case a full replace is the only option.
func isUnapplyableSchema(err error) bool {
	return apierrors.IsBadRequest(err) || apierrors.IsUnsupportedMediaType(err)
}
