package inmemory_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/eventstore/inmemory"
	"github.com/get-chronicle/go-chronicle/eventstore/storetest"
)

func TestEventStore(t *testing.T) {
	suite.Run(t, storetest.NewSuite(func() event.Store {
		return inmemory.NewEventStore()
	}))
}
