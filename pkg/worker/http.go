package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// The HTTP diagnostics service of a worker. Its port is advertised to
// the scheduler in the services map of the register message.
type httpService struct {
	worker *Worker
	port   int
	echo   *echo.Echo
}

func newHttpService(worker *Worker, port int) *httpService {
	r := echo.New()
	r.HideBanner = true
	r.HidePort = true

	s := &httpService{
		worker: worker,
		port:   port,
		echo:   r,
	}

	r.GET("/metrics", s.metrics)
	r.GET("/keys", s.keys)
	return s
}

func (s *httpService) Start() {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.worker.logger.Warnf("HTTP service failed: %v", err)
		}
	}()
}

func (s *httpService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.echo.Shutdown(ctx)
}

func (s *httpService) metrics(c echo.Context) error {
	executing, ready, inMemory, inFlight := s.worker.counts()

	metrics := fmt.Sprintln("# TYPE taskmesh_worker_tasks_executing gauge")
	metrics += fmt.Sprintln("# HELP taskmesh_worker_tasks_executing The number of tasks currently executing.")
	metrics += fmt.Sprintf("taskmesh_worker_tasks_executing %d\n", executing)

	metrics += fmt.Sprintln("# TYPE taskmesh_worker_tasks_ready gauge")
	metrics += fmt.Sprintln("# HELP taskmesh_worker_tasks_ready The number of tasks ready to execute.")
	metrics += fmt.Sprintf("taskmesh_worker_tasks_ready %d\n", ready)

	metrics += fmt.Sprintln("# TYPE taskmesh_worker_tasks_memory gauge")
	metrics += fmt.Sprintln("# HELP taskmesh_worker_tasks_memory The number of completed tasks held in memory.")
	metrics += fmt.Sprintf("taskmesh_worker_tasks_memory %d\n", inMemory)

	metrics += fmt.Sprintln("# TYPE taskmesh_worker_deps_in_flight gauge")
	metrics += fmt.Sprintln("# HELP taskmesh_worker_deps_in_flight The number of dependencies being fetched from peers.")
	metrics += fmt.Sprintf("taskmesh_worker_deps_in_flight %d\n", inFlight)

	metrics += fmt.Sprintln("# TYPE taskmesh_worker_store_bytes gauge")
	metrics += fmt.Sprintln("# HELP taskmesh_worker_store_bytes The summed size of all held values.")
	metrics += fmt.Sprintf("taskmesh_worker_store_bytes %d\n", s.worker.store.TotalBytes())

	return c.String(http.StatusOK, metrics)
}

func (s *httpService) keys(c echo.Context) error {
	return c.JSON(http.StatusOK, s.worker.store.Keys())
}
