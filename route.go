package coap

import (
	"strings"
)

type RouteCallback func(req *Message) *Message

type routeEntry struct {
	children   map[string]*routeEntry
	key        string
	callback   RouteCallback
	observable *ObservableHandle
}

func (s *Server) AddRoute(path string, callback RouteCallback) {
	s.addRoute(path, callback, nil)
}

// AddObservable registers an observable resource at path. GET requests are
// served from the resource status; GETs carrying Observe register or cancel
// observations. The returned handle is the resource's channel for publishing
// status changes.
func (s *Server) AddObservable(path string, res ObservableResource) *ObservableHandle {
	h := &ObservableHandle{path: path, res: res, srv: s}
	s.addRoute(path, h.serveGET, h)
	return h
}

func (s *Server) addRoute(path string, callback RouteCallback, observable *ObservableHandle) {
	pathParts := strings.Split(path, "/")
	var route *routeEntry
	var found bool
	routeMap := s.routes
	for idx, part := range pathParts {
		if len(part) == 0 {
			continue
		}
		var key string
		if part[0] == '{' {
			key = part[1 : len(part)-1]
			part = "*"
		}

		if route, found = routeMap[part]; found {
			if idx == len(pathParts)-1 {
				route.callback = callback
				route.observable = observable
			} else {
				routeMap = route.children
			}
		} else {
			if idx == len(pathParts)-1 {
				route = &routeEntry{children: map[string]*routeEntry{}, callback: callback, key: key, observable: observable}
			} else {
				route = &routeEntry{children: map[string]*routeEntry{}, key: key}
			}
			routeMap[part] = route
			routeMap = route.children
		}
	}
}

func (s *Server) matchRoutes(msg *Message) (RouteCallback, *ObservableHandle) {
	pathParts := strings.Split(msg.PathString(), "/")

	var route *routeEntry
	var found bool

	routeMap := s.routes

	var deepestCallback RouteCallback
	var deepestObservable *ObservableHandle
	for _, part := range pathParts {
		if route, found = routeMap[part]; found {
			deepestCallback = route.callback
			deepestObservable = route.observable
			routeMap = route.children
		} else {
			if route, found = routeMap["*"]; found {
				deepestCallback = route.callback
				deepestObservable = route.observable
				if msg.PathVars == nil {
					msg.PathVars = map[string]string{}
				}
				routeMap = route.children
				msg.PathVars[route.key] = part
			} else {
				break
			}
		}
	}
	return deepestCallback, deepestObservable
}
