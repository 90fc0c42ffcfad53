package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/nodereg/internal/auth"
	"evalgo.org/nodereg/models"
)

// pingNode records a liveness report from a compute node. The response is
// the node as the node itself needs to see it, including its assigned
// hostname and the cluster nameservers.
func (s *Server) pingNode(c echo.Context) error {
	uuid := c.Param("uuid")

	var req models.PingRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}

	node, err := s.svc.Ping(c.Request().Context(), uuid, &req)
	if err != nil {
		return registryError(err, uuid)
	}

	cluster := s.config.Cluster
	return c.JSON(http.StatusOK, node.AdminView(s.svc.Now(), cluster.Domain, cluster.Nameservers))
}

// createNode provisions a node record. The response carries the ping
// secret in the info map.
func (s *Server) createNode(c echo.Context) error {
	var spec models.NodeSpec
	if err := c.Bind(&spec); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}

	node, err := s.svc.CreateNode(c.Request().Context(), spec)
	if err != nil {
		return registryError(err, "")
	}

	return c.JSON(http.StatusCreated, s.nodeView(c, node))
}

// listNodes returns a page of nodes ordered by creation.
func (s *Server) listNodes(c echo.Context) error {
	limit, offset := parsePagination(c)

	nodes, err := s.svc.ListNodes(c.Request().Context())
	if err != nil {
		return InternalError("Failed to list nodes", err.Error())
	}

	page := paginate(nodes, limit, offset)
	views := make([]interface{}, 0, len(page))
	for _, n := range page {
		views = append(views, s.nodeView(c, n))
	}

	return c.JSON(http.StatusOK, NodesResponse{
		Count:  len(views),
		Total:  len(nodes),
		Limit:  limit,
		Offset: offset,
		Nodes:  views,
	})
}

// getNode returns a single node.
func (s *Server) getNode(c echo.Context) error {
	uuid := c.Param("uuid")

	node, err := s.svc.GetNode(c.Request().Context(), uuid)
	if err != nil {
		return registryError(err, uuid)
	}

	return c.JSON(http.StatusOK, s.nodeView(c, node))
}

// updateSlurmState records the scheduler state reported for a node.
func (s *Server) updateSlurmState(c echo.Context) error {
	uuid := c.Param("uuid")

	var req SlurmStateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}

	node, err := s.svc.UpdateSlurmState(c.Request().Context(), uuid, req.SlurmState)
	if err != nil {
		return registryError(err, uuid)
	}

	return c.JSON(http.StatusOK, s.nodeView(c, node))
}

// setJob assigns or clears the job running on a node.
func (s *Server) setJob(c echo.Context) error {
	uuid := c.Param("uuid")

	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}

	node, err := s.svc.SetJob(c.Request().Context(), uuid, req.JobUUID)
	if err != nil {
		return registryError(err, uuid)
	}

	return c.JSON(http.StatusOK, s.nodeView(c, node))
}

// nodeView renders a node for the current caller. Administrators see the
// privileged fields; the job reference is shown only to callers allowed to
// read jobs.
func (s *Server) nodeView(c echo.Context, node *models.Node) interface{} {
	node.JobReadable = auth.CanReadJobs(c)

	cluster := s.config.Cluster
	now := s.svc.Now()
	if auth.IsAdmin(c) {
		return node.AdminView(now, cluster.Domain, cluster.Nameservers)
	}
	return node.View(now, cluster.Domain)
}
