package main

import (
	"github.com/julienschmidt/httprouter"
)

// set up routes
func (s *locketServer) SetupMux() {
	r := httprouter.New()
	// capsules
	r.POST("/capsule", s.HandleTaskCreateCapsule())
	r.GET("/capsule/:id", s.HandleTaskGetCapsule())
	r.POST("/capsule/:id/contents", s.HandleTaskAttachContents())
	r.POST("/capsule/:id/open", s.HandleTaskOpenCapsule())
	r.DELETE("/capsule/:id", s.HandleTaskDeleteCapsule())
	r.GET("/capsule/:id/attachment/:filename", s.HandleTaskGetCapsuleAttachment())
	r.GET("/capsules", s.HandleTaskListCapsules())
	r.GET("/capsules/nearby", s.HandleTaskNearbyCapsules())
	// shares. The kind segment is uniform across the share tree since
	// httprouter rejects mixing static and wildcard segments
	r.POST("/share/:kind", s.HandleTaskCreateShare())
	r.POST("/share/:kind/:id/stop", s.HandleTaskStopShare())
	r.POST("/share/:kind/:id/location", s.HandleTaskUpdateLocation())
	r.GET("/share/:kind/:id", s.HandleTaskGetShare())
	r.GET("/share/:kind/:id/coordinate", s.HandleTaskShareCoordinate())
	r.GET("/shares/:kind", s.HandleTaskListShares())
	r.GET("/feed", s.HandleTaskFeed())
	// user related
	r.POST("/register", s.HandleTaskRegister())
	r.POST("/login", s.HandleAuthLogin())
	r.POST("/logout", s.HandleAuthLogout())

	s.Router = r
}
