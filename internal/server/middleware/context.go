package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/storage"
)

// App holds the process wide dependencies of every request.
type App struct {
	Coordinator *coordinator.Coordinator
	// Links is nil when the artifact store cannot presign downloads.
	Links  storage.LinkGenerator
	APIKey string
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
