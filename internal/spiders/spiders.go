// Package spiders registers the concrete spiders.
package spiders

import (
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/cuongbtq/harvester/internal/spiders/login"
	"github.com/cuongbtq/harvester/internal/spiders/recaptcha"
	"github.com/cuongbtq/harvester/internal/spiders/timeline"
)

// Registry returns a registry holding every spider.
func Registry() *spider.Registry {
	r := spider.NewRegistry()
	r.Register(login.Name, login.Factory)
	r.Register(recaptcha.Name, recaptcha.Factory)
	r.Register(timeline.Name, timeline.Factory)
	return r
}
