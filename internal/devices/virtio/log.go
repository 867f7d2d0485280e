package virtio

import "github.com/sirupsen/logrus"

var virtioLog = logrus.WithField("source", "virtio")

// SetLogger sets the logger used by the package.
func SetLogger(logger *logrus.Entry) {
	virtioLog = logger.WithField("source", "virtio")
}
