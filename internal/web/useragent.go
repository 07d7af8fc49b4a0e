package web

import (
	"math/rand/v2"
	"sync/atomic"
)

// Some image hosts refuse requests without a browser agent, so fetches rotate
// through a short list of current desktop and mobile browsers.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:129.0) Gecko/20100101 Firefox/129.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36 Edg/129.0.0.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Mobile Safari/537.36",
}

// UserAgents hands out agent strings, mostly round-robin with an occasional
// random pick so consecutive requests to one host do not look scripted.
type UserAgents struct {
	list   []string
	next   atomic.Uint64
	jitter float64
}

// NewUserAgents rotates through list, or the built-in browsers when list is empty.
func NewUserAgents(list ...string) *UserAgents {
	if len(list) == 0 {
		list = defaultUserAgents
	}
	return &UserAgents{list: list, jitter: 0.2}
}

func (u *UserAgents) Next() string {
	if len(u.list) == 1 {
		return u.list[0]
	}
	if u.jitter > 0 && rand.Float64() < u.jitter {
		return u.list[rand.IntN(len(u.list))]
	}
	return u.list[int(u.next.Add(1)-1)%len(u.list)]
}
