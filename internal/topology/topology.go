// Package topology reports how many replicas this worker's pod belongs
// to, purely for an informational log line at startup. The coordination
// state machine's liveness model is derived solely from heartbeats,
// never from replica counts.
package topology

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// WorkerCount reports the replica count of the StatefulSet or ReplicaSet
// that owns the current pod, falling back to 1 when that can't be
// determined (no client, not running in a pod, no owner reference).
func WorkerCount(ctx context.Context, client kubernetes.Interface, log *logrus.Entry) int {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if client == nil {
		log.Debug("no Kubernetes client available, assuming a worker count of 1")
		return 1
	}

	podName := os.Getenv("HOSTNAME")
	if podName == "" {
		log.Debug("HOSTNAME unset, assuming a worker count of 1")
		return 1
	}

	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = string(data)
		} else {
			namespace = "default"
		}
	}

	pod, err := client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		log.WithError(err).Warn("failed to get pod info, assuming a worker count of 1")
		return 1
	}

	for _, owner := range pod.OwnerReferences {
		switch owner.Kind {
		case "StatefulSet":
			sts, err := client.AppsV1().StatefulSets(namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && sts.Spec.Replicas != nil {
				return int(*sts.Spec.Replicas)
			}
		case "ReplicaSet":
			rs, err := client.AppsV1().ReplicaSets(namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && rs.Spec.Replicas != nil {
				return int(*rs.Spec.Replicas)
			}
		}
	}

	log.Debug("could not resolve a StatefulSet/ReplicaSet owner, assuming a worker count of 1")
	return 1
}
