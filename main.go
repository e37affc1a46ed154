package main

import (
	"os"

	"github.com/kvmbox/kvmbox/flag"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.WithError(err).Error("kvmbox failed")
		os.Exit(1)
	}
}
