package fetch

// Event is one of Begin, Progress or Complete.
type Event interface {
	event()
}

// Begin is sent once the response is accepted, before any body byte is read.
type Begin struct {
	Asset string
}

// Progress is sent after every chunk. Total and Percent are meaningful only
// when HasTotal is set, i.e. the server sent a parseable Content-Length.
type Progress struct {
	Asset    string
	Received int64
	Total    int64
	Percent  int
	HasTotal bool
}

// Complete is sent after the body has been read to the end.
type Complete struct {
	Asset string
	Bytes int64
}

func (Begin) event()    {}
func (Progress) event() {}
func (Complete) event() {}

// Observer receives the events of a download in order: one Begin, any number
// of Progress, then one Complete. A failed download stops the sequence early.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Handlers registers at most one callback per event kind. Nil callbacks are
// skipped.
type Handlers struct {
	OnBegin    func(Begin)
	OnProgress func(Progress)
	OnComplete func(Complete)
}

func (h Handlers) Observe(ev Event) {
	switch ev := ev.(type) {
	case Begin:
		if h.OnBegin != nil {
			h.OnBegin(ev)
		}
	case Progress:
		if h.OnProgress != nil {
			h.OnProgress(ev)
		}
	case Complete:
		if h.OnComplete != nil {
			h.OnComplete(ev)
		}
	}
}

// Channel forwards events to ch. Sends block, so the reader must keep up or
// use a buffered channel.
func Channel(ch chan<- Event) Observer {
	return ObserverFunc(func(ev Event) { ch <- ev })
}

// Multi fans events out to every non-nil observer.
func Multi(observers ...Observer) Observer {
	var live []Observer
	for _, o := range observers {
		if o != nil {
			live = append(live, o)
		}
	}
	return ObserverFunc(func(ev Event) {
		for _, o := range live {
			o.Observe(ev)
		}
	})
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
