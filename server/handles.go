package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/locket/common/logging"
	cst "wuyrush.io/locket/constants"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
	st "wuyrush.io/locket/stores"
)

const (
	sessionName      = "locket_session"
	sessionKeyUserID = "userId"
	// feed consumers slower than this buffer lose events; they resync via
	// the list endpoints
	feedBufferSize = 64
)

func (s *locketServer) HandleTaskCreateCapsule() httprouter.Handle {
	clog := logging.WithFuncName()
	maxReqBodySize := viper.GetInt64(cst.EnvReqBodySizeMaxByte)
	maxItemCnt := viper.GetInt(cst.EnvCapsuleItemCntMax)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxReqBodySize)
		if err := r.ParseMultipartForm(128); err != nil {
			code, msg := http.StatusBadRequest, "error parsing form"
			if strings.Index(err.Error(), cst.ErrMsgRequestBodyTooLarge) >= 0 {
				msg = fmt.Sprintf("request oversized. Request size must be under %f mebibyte",
					float64(maxReqBodySize)/(1024.*1024.))
				code = http.StatusRequestEntityTooLarge
			}
			clog.WithError(err).Error(msg)
			http.Error(w, msg, code)
			return
		}
		draft, serr := buildCapsuleDraft(r, uid)
		if serr != nil {
			clog.WithError(serr).Error("error building capsule from input data")
			writeErr(w, serr)
			return
		}
		fhs := r.MultipartForm.File["attachments"]
		if maxItemCnt > 0 && len(draft.Contents)+len(fhs) > maxItemCnt {
			writeErr(w, se.ErrBadInput(fmt.Sprintf("capsule holds at most %d content items", maxItemCnt)))
			return
		}
		c, serr := s.CS.Create(draft)
		if serr != nil {
			clog.WithError(serr).Error("error creating capsule")
			writeErr(w, serr)
			return
		}
		plog := clog.WithField("capsuleId", c.ID)
		// attachment upload is all or nothing: any failure rolls the whole
		// capsule back so no half-assembled capsule survives
		items, saved, serr := s.saveAttachments(c.ID, fhs)
		if serr == nil && len(items) > 0 {
			c, serr = s.CS.AttachContents(c.ID, items)
		}
		if serr != nil {
			plog.WithError(serr).Error("error saving capsule attachments, rolling back")
			for _, ref := range saved {
				if derr := s.BS.Delete(ref); derr != nil {
					plog.WithError(derr).WithField("ref", ref).Error("error cleaning up capsule attachment")
				}
			}
			if derr := s.CS.Delete(c.ID, uid); derr != nil {
				plog.WithError(derr).Error("error rolling back capsule")
			}
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func buildCapsuleDraft(r *http.Request, ownerID string) (*md.Capsule, *se.Err) {
	c := &md.Capsule{
		OwnerID: ownerID,
		Type:    md.CapsuleType(r.FormValue("type")),
		Title:   r.FormValue("title"),
	}
	switch md.RecipientMode(r.FormValue("recipientMode")) {
	case md.RecipientPublic:
		c.Recipients.Mode = md.RecipientPublic
	case md.RecipientSpecific:
		c.Recipients.Mode = md.RecipientSpecific
		for _, id := range strings.Split(r.FormValue("recipients"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Recipients.UserIDs = append(c.Recipients.UserIDs, id)
			}
		}
		if len(c.Recipients.UserIDs) == 0 {
			return nil, se.ErrBadInput("specific recipient mode requires at least one recipient")
		}
	default:
		c.Recipients.Mode = md.RecipientSelf
	}
	switch c.Type {
	case md.CapsuleTypeTime:
		openAt, err := time.Parse(time.RFC3339, r.FormValue("openAt"))
		if err != nil {
			return nil, se.ErrInvalidCondition("error parsing openAt timestamp").WithCause(err)
		}
		c.Condition.OpenAt = &openAt
	case md.CapsuleTypeLocation:
		lat, errLat := strconv.ParseFloat(r.FormValue("lat"), 64)
		lon, errLon := strconv.ParseFloat(r.FormValue("lon"), 64)
		radius, errRad := strconv.ParseFloat(r.FormValue("radiusM"), 64)
		if errLat != nil || errLon != nil || errRad != nil {
			return nil, se.ErrInvalidCondition("location capsule requires numeric lat, lon and radiusM")
		}
		c.Condition.Center = &md.GeoPoint{Lat: lat, Lon: lon}
		c.Condition.RadiusM = radius
		if vu := r.FormValue("validUntil"); vu != "" {
			validUntil, err := time.Parse(time.RFC3339, vu)
			if err != nil {
				return nil, se.ErrInvalidCondition("error parsing validUntil timestamp").WithCause(err)
			}
			c.Condition.ValidUntil = &validUntil
		}
	default:
		return nil, se.ErrInvalidCondition(fmt.Sprintf("unknown capsule type %q", c.Type))
	}
	if note := r.FormValue("note"); note != "" {
		c.Contents = append(c.Contents, md.ContentItem{Kind: md.ContentText, Body: note})
	}
	return c, nil
}

// saveAttachments persists uploaded files to blob storage and returns the
// content items referencing them plus the refs written so far, so the caller
// can roll back on partial failure.
func (s *locketServer) saveAttachments(capsuleID string, fhs []*multipart.FileHeader) ([]md.ContentItem, []string, *se.Err) {
	clog := logging.WithFuncName().WithField("capsuleId", capsuleID)
	var (
		items []md.ContentItem
		saved []string
	)
	for _, fh := range fhs {
		ref := s.BS.Ref(capsuleID, fh.Filename)
		f, err := fh.Open()
		if err != nil {
			clog.WithError(err).WithField("filename", fh.Filename).Error("error opening capsule attachment")
			return nil, saved, se.ErrUploadFailed(fmt.Sprintf("error opening attachment %s", fh.Filename)).WithCause(err)
		}
		serr := s.BS.Save(ref, f)
		f.Close()
		if serr != nil {
			clog.WithError(serr).WithField("filename", fh.Filename).Error("error saving capsule attachment")
			return nil, saved, serr
		}
		saved = append(saved, ref)
		items = append(items, md.ContentItem{
			Kind:      contentKindOf(fh.Header.Get("Content-Type")),
			URL:       s.BS.URL(ref),
			Name:      fh.Filename,
			SizeBytes: fh.Size,
		})
	}
	return items, saved, nil
}

func contentKindOf(contentType string) md.ContentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return md.ContentImage
	case strings.HasPrefix(contentType, "video/"):
		return md.ContentVideo
	case strings.HasPrefix(contentType, "audio/"):
		return md.ContentAudio
	}
	return md.ContentFile
}

func (s *locketServer) HandleTaskAttachContents() httprouter.Handle {
	clog := logging.WithFuncName()
	maxReqBodySize := viper.GetInt64(cst.EnvReqBodySizeMaxByte)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		id := ps.ByName("id")
		plog := clog.WithField("capsuleId", id)
		c, serr := s.CS.Get(id)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if c.OwnerID != uid {
			writeErr(w, se.ErrUnauthorized("only the owner may attach contents"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxReqBodySize)
		if err := r.ParseMultipartForm(128); err != nil {
			plog.WithError(err).Error("error parsing form")
			http.Error(w, "error parsing form", http.StatusBadRequest)
			return
		}
		items, saved, serr := s.saveAttachments(id, r.MultipartForm.File["attachments"])
		if note := r.FormValue("note"); note != "" && serr == nil {
			items = append(items, md.ContentItem{Kind: md.ContentText, Body: note})
		}
		if serr == nil {
			c, serr = s.CS.AttachContents(id, items)
		}
		if serr != nil {
			plog.WithError(serr).Error("error attaching capsule contents, rolling back blobs")
			for _, ref := range saved {
				if derr := s.BS.Delete(ref); derr != nil {
					plog.WithError(derr).WithField("ref", ref).Error("error cleaning up capsule attachment")
				}
			}
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *locketServer) HandleTaskOpenCapsule() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		at, serr := optionalPoint(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		c, serr := s.CS.Open(ps.ByName("id"), uid, at)
		if serr != nil {
			clog.WithError(serr).WithField("capsuleId", ps.ByName("id")).Info("capsule open rejected")
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *locketServer) HandleTaskGetCapsule() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		c, serr := s.CS.Get(ps.ByName("id"))
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if c.OwnerID != uid {
			if !c.OpenableBy(uid) {
				writeErr(w, se.ErrUnauthorized("capsule is not addressed to you"))
				return
			}
			if !c.Opened() {
				// recipients see the metadata but never the contents of a
				// sealed capsule
				c.Contents = nil
			}
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *locketServer) HandleTaskDeleteCapsule() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		id := ps.ByName("id")
		plog := clog.WithField("capsuleId", id)
		c, serr := s.CS.Get(id)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if serr := s.CS.Delete(id, uid); serr != nil {
			plog.WithError(serr).Error("error deleting capsule")
			writeErr(w, serr)
			return
		}
		// blob cleanup is best effort; orphans get swept out of band
		for _, it := range c.Contents {
			if it.Name == "" {
				continue
			}
			if derr := s.BS.Delete(s.BS.Ref(id, it.Name)); derr != nil {
				plog.WithError(derr).WithField("filename", it.Name).Error("error deleting capsule attachment")
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *locketServer) HandleTaskGetCapsuleAttachment() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		capsuleID, urlencodedFn := ps.ByName("id"), ps.ByName("filename")
		if _, err := ksuid.Parse(capsuleID); err != nil {
			clog.WithError(err).Error("got invalid capsule ID")
			http.Error(w, "capsule not found", http.StatusNotFound)
			return
		}
		filename, err := url.PathUnescape(urlencodedFn)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid url-encoded filename %s", urlencodedFn), http.StatusBadRequest)
			return
		}
		flog := clog.WithFields(logrus.Fields{"capsuleId": capsuleID, "filename": filename})
		c, serr := s.CS.Get(capsuleID)
		if serr != nil {
			flog.WithError(serr).Error("error getting capsule data")
			writeErr(w, serr)
			return
		}
		if uid != c.OwnerID && !(c.Opened() && c.OpenableBy(uid)) {
			// sealed contents stay sealed, full stop
			writeErr(w, se.ErrUnauthorized("capsule contents are not open to you"))
			return
		}
		rc, serr := s.BS.Get(s.BS.Ref(capsuleID, filename))
		if serr != nil {
			flog.WithError(serr).Error("error getting io stream of attachment")
			writeErr(w, serr)
			return
		}
		defer rc.Close()
		rd := bufio.NewReader(rc)
		// header to force download behavior on browser clients
		headers := w.Header()
		headers.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
		w.WriteHeader(http.StatusOK)
		if n, err := rd.WriteTo(w); err != nil {
			flog.WithError(err).Error("error sending attachment data to requester")
		} else {
			flog.WithField("bytesWritten", n).Info("attachment sent to requester successfully")
		}
	}
}

func (s *locketServer) HandleTaskListCapsules() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		filter := st.CapsuleFilter(r.URL.Query().Get("filter"))
		if filter == "" {
			filter = st.CapsuleFilterAll
		}
		cs, serr := s.CS.ListByOwner(uid, filter)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, cs)
	}
}

func (s *locketServer) HandleTaskNearbyCapsules() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		radius, errRad := strconv.ParseFloat(q.Get("radiusM"), 64)
		if errLat != nil || errLon != nil || errRad != nil || radius <= 0 {
			writeErr(w, se.ErrBadInput("nearby requires numeric lat, lon and positive radiusM"))
			return
		}
		cs, serr := s.CS.Nearby(md.GeoPoint{Lat: lat, Lon: lon}, radius, uid)
		if serr != nil {
			clog.WithError(serr).Error("error querying nearby capsules")
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, cs)
	}
}

// -------------- shares --------------

func (s *locketServer) HandleTaskCreateShare() httprouter.Handle {
	clog := logging.WithFuncName()
	type req struct {
		ReceiverID      string         `json:"receiverId"`
		Coordinate      *md.Coordinate `json:"coordinate,omitempty"`
		DurationMinutes int            `json:"durationMinutes,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		kind, serr := parseShareKind(ps.ByName("kind"))
		if serr != nil {
			writeErr(w, serr)
			return
		}
		var body req
		if serr := decodeJSON(w, r, &body); serr != nil {
			writeErr(w, serr)
			return
		}
		switch kind {
		case md.ShareInstant:
			if body.Coordinate == nil {
				writeErr(w, se.ErrBadInput("instant share requires a coordinate"))
				return
			}
			sh, serr := s.Reg.ShareInstant(uid, body.ReceiverID, *body.Coordinate)
			if serr != nil {
				clog.WithError(serr).Error("error creating instant share")
				writeErr(w, serr)
				return
			}
			writeJSON(w, http.StatusCreated, sh)
		case md.ShareLive:
			out, serr := s.Reg.StartLive(uid, body.ReceiverID, body.DurationMinutes)
			if serr != nil {
				clog.WithError(serr).Error("error starting live share")
				writeErr(w, serr)
				return
			}
			writeJSON(w, http.StatusCreated, out)
		}
	}
}

func (s *locketServer) HandleTaskStopShare() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		kind, serr := parseShareKind(ps.ByName("kind"))
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if serr := s.Reg.Stop(kind, ps.ByName("id"), uid); serr != nil {
			clog.WithError(serr).WithField("shareId", ps.ByName("id")).Error("error stopping share")
			writeErr(w, serr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *locketServer) HandleTaskUpdateLocation() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if kind, serr := parseShareKind(ps.ByName("kind")); serr != nil {
			writeErr(w, serr)
			return
		} else if kind != md.ShareLive {
			writeErr(w, se.ErrBadInput("only live shares take location updates"))
			return
		}
		id := ps.ByName("id")
		v, serr := s.Reg.Get(md.ShareLive, id, uid)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if !v.IsSent {
			writeErr(w, se.ErrUnauthorized("only the sender may push fixes"))
			return
		}
		var c md.Coordinate
		if serr := decodeJSON(w, r, &c); serr != nil {
			writeErr(w, serr)
			return
		}
		if serr := s.Reg.UpdateLocation(id, c); serr != nil {
			clog.WithError(serr).WithField("shareId", id).Error("error ingesting fix")
			writeErr(w, serr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *locketServer) HandleTaskGetShare() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		kind, serr := parseShareKind(ps.ByName("kind"))
		if serr != nil {
			writeErr(w, serr)
			return
		}
		v, serr := s.Reg.Get(kind, ps.ByName("id"), uid)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *locketServer) HandleTaskShareCoordinate() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		if kind, serr := parseShareKind(ps.ByName("kind")); serr != nil {
			writeErr(w, serr)
			return
		} else if kind != md.ShareLive {
			writeErr(w, se.ErrBadInput("only live shares carry a realtime coordinate"))
			return
		}
		c, serr := s.Reg.Coordinate(ps.ByName("id"), uid)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *locketServer) HandleTaskListShares() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		kind, serr := parseShareKind(ps.ByName("kind"))
		if serr != nil {
			writeErr(w, serr)
			return
		}
		q := r.URL.Query()
		side := md.ShareSide(q.Get("side"))
		if side != md.SideSent && side != md.SideReceived {
			writeErr(w, se.ErrBadInput("side must be sent or received"))
			return
		}
		status := md.ShareStatus(q.Get("status"))
		if status == "" {
			status = md.ShareStatusActive
		}
		views, serr := s.Reg.List(kind, side, uid, status)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// HandleTaskFeed streams the caller's composed share feed as server-sent
// events: every share event plus every coordinate push of their active live
// shares, each as one JSON-encoded view.
func (s *locketServer) HandleTaskFeed() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		uid, serr := s.identity(r)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		ulog := clog.WithField("userId", uid)
		events := make(chan md.ShareView, feedBufferSize)
		push := func(v md.ShareView) {
			select {
			case events <- v:
			default:
				ulog.Warn("dropping feed event on slow consumer")
			}
		}
		sub, serr := s.Reg.Subscribe(uid, push, push)
		if serr != nil {
			writeErr(w, serr)
			return
		}
		defer sub.Unsubscribe()
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		ulog.Info("feed attached")
		for {
			select {
			case <-r.Context().Done():
				ulog.Info("feed detached")
				return
			case v := <-events:
				b, err := json.Marshal(v)
				if err != nil {
					ulog.WithError(err).Error("error marshalling feed event")
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", b)
				fl.Flush()
			}
		}
	}
}

// -------------- users --------------

func (s *locketServer) HandleTaskRegister() httprouter.Handle {
	clog := logging.WithFuncName()
	type req struct {
		UserID      string `json:"userId"`
		Passwd      string `json:"passwd"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var body req
		if serr := decodeJSON(w, r, &body); serr != nil {
			writeErr(w, serr)
			return
		}
		if serr := s.US.Register(body.UserID, body.Passwd); serr != nil {
			clog.WithError(serr).WithField("userId", body.UserID).Error("error registering user")
			writeErr(w, serr)
			return
		}
		name := body.DisplayName
		if name == "" {
			name = body.UserID
		}
		if err := s.Profiles.Put(body.UserID, md.PartySnapshot{DisplayName: name, PhotoURL: body.PhotoURL}); err != nil {
			// credentials exist; the profile just falls back to placeholder
			clog.WithError(err).WithField("userId", body.UserID).Error("error saving user profile")
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *locketServer) HandleAuthLogin() httprouter.Handle {
	clog := logging.WithFuncName()
	type req struct {
		UserID string `json:"userId"`
		Passwd string `json:"passwd"`
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var body req
		if serr := decodeJSON(w, r, &body); serr != nil {
			writeErr(w, serr)
			return
		}
		if serr := s.US.Authenticate(body.UserID, body.Passwd); serr != nil {
			writeErr(w, serr)
			return
		}
		sess, _ := s.Sessions.Get(r, sessionName)
		sess.Values[sessionKeyUserID] = body.UserID
		if err := sess.Save(r, w); err != nil {
			clog.WithError(err).Error("error saving session")
			writeErr(w, se.ErrServiceFailure("error establishing session").WithCause(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *locketServer) HandleAuthLogout() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sess, _ := s.Sessions.Get(r, sessionName)
		delete(sess.Values, sessionKeyUserID)
		sess.Options.MaxAge = -1
		if err := sess.Save(r, w); err != nil {
			clog.WithError(err).Error("error discarding session")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// -------------- utils --------------

// identity resolves the calling user from the request session.
func (s *locketServer) identity(r *http.Request) (string, *se.Err) {
	sess, err := s.Sessions.Get(r, sessionName)
	if err != nil {
		return "", se.ErrUnauthenticated("invalid session").WithCause(err)
	}
	uid, ok := sess.Values[sessionKeyUserID].(string)
	if !ok || uid == "" {
		return "", se.ErrUnauthenticated("login required")
	}
	return uid, nil
}

func parseShareKind(raw string) (md.ShareKind, *se.Err) {
	switch k := md.ShareKind(raw); k {
	case md.ShareInstant, md.ShareLive:
		return k, nil
	}
	return "", se.ErrBadInput(fmt.Sprintf("unknown share kind %q", raw))
}

func optionalPoint(r *http.Request) (*md.GeoPoint, *se.Err) {
	q := r.URL.Query()
	rawLat, rawLon := q.Get("lat"), q.Get("lon")
	if rawLat == "" && rawLon == "" {
		return nil, nil
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lon, errLon := strconv.ParseFloat(rawLon, 64)
	if errLat != nil || errLon != nil {
		return nil, se.ErrBadInput("lat and lon must both be numeric")
	}
	return &md.GeoPoint{Lat: lat, Lon: lon}, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) *se.Err {
	maxReqBodySize := viper.GetInt64(cst.EnvReqBodySizeMaxByte)
	body := http.MaxBytesReader(w, r.Body, maxReqBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return se.ErrBadInput("error parsing request body").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logging.WithFuncName()
		log.WithError(err).Error("error encoding response")
	}
}

func writeErr(w http.ResponseWriter, serr *se.Err) {
	writeJSON(w, serr.StatusCode(), map[string]string{
		"code":  string(serr.Code),
		"error": serr.Error(),
	})
}
