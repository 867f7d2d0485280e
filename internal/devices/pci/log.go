package pci

import "github.com/sirupsen/logrus"

var pciLog = logrus.WithField("source", "pci")

// SetLogger sets the logger used by the package.
func SetLogger(logger *logrus.Entry) {
	pciLog = logger.WithField("source", "pci")
}
