package browser

import (
	"context"
)

// CombineContext derives a context from primary that is also canceled when
// secondary is done. Values, including the chromedp target, come from primary
// only, so secondary can carry a plain operation deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
