package route

import (
	"sort"
	"sync"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/realtime"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Deps carries the initialized services route plugins mount against. Management
// plugins may receive a zero Deps.
type Deps struct {
	Config        *config.Config
	Store         registrystore.ChatStore
	Gate          *security.Gate
	Auth          gin.HandlerFunc
	Conversations *service.ConversationService
	Accounts      *service.AccountService
	Gateway       *realtime.Gateway
}

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine, deps Deps) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func sorted() []Plugin {
	sortOnce.Do(func() {
		sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	})
	return plugins
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader {
	var loaders []RouterLoader
	for _, p := range sorted() {
		if p.Type == RouteTypeMain {
			loaders = append(loaders, p.Loader)
		}
	}
	return loaders
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader {
	var loaders []RouterLoader
	for _, p := range sorted() {
		if p.Type == RouteTypeManagement {
			loaders = append(loaders, p.Loader)
		}
	}
	return loaders
}

// Mount runs every loader against r.
func Mount(r *gin.Engine, deps Deps, loaders []RouterLoader) error {
	for _, load := range loaders {
		if err := load(r, deps); err != nil {
			return err
		}
	}
	return nil
}
