package webdav

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/storage"
)

// liveProps are the DAV: properties every resource reports under allprop.
var liveProps = []string{
	"displayname", "resourcetype", "getcontentlength", "getcontenttype",
	"getlastmodified", "creationdate", "getetag", "supportedlock", "lockdiscovery",
}

func davName(local string) xml.Name { return xml.Name{Space: davNS, Local: local} }

// propValue renders the value of a live property. ok is false when the
// resource does not have it.
func (h *Handler) propValue(n *storage.Node, user, p string, name xml.Name) (string, bool) {
	if name.Space != davNS {
		return "", false
	}
	switch name.Local {
	case "displayname":
		if n.IsRoot() {
			return "", true
		}
		return escape(n.Name), true
	case "resourcetype":
		if n.IsDir() {
			return "<D:collection/>", true
		}
		return "", true
	case "getcontentlength":
		if n.IsDir() {
			return "", false
		}
		return strconv.FormatInt(n.Size, 10), true
	case "getcontenttype":
		if n.IsDir() {
			return "", false
		}
		return escape(contentType(n)), true
	case "getetag":
		if n.IsDir() {
			return "", false
		}
		return escape(etag(n)), true
	case "getlastmodified":
		return time.Unix(n.ModifiedAt, 0).UTC().Format(http.TimeFormat), true
	case "creationdate":
		return time.Unix(n.CreatedAt, 0).UTC().Format(time.RFC3339), true
	case "supportedlock":
		return supportedLockXML, true
	case "lockdiscovery":
		var b strings.Builder
		for _, l := range h.locks.Find(user, p) {
			b.WriteString(activeLockXML(l, h.now()))
		}
		return b.String(), true
	}
	return "", false
}

type propfindMode int

const (
	allProp propfindMode = iota
	propName
	namedProps
)

// describe renders one resource of a PROPFIND answer.
func (h *Handler) describe(n *storage.Node, user, p string, mode propfindMode, names []xml.Name) msResponse {
	var set propSet
	switch mode {
	case allProp, propName:
		for _, local := range liveProps {
			v, ok := h.propValue(n, user, p, davName(local))
			if !ok {
				continue
			}
			if mode == propName {
				v = ""
			}
			set.add(http.StatusOK, element(davName(local), v))
		}
	case namedProps:
		for _, name := range names {
			if v, ok := h.propValue(n, user, p, name); ok {
				set.add(http.StatusOK, element(name, v))
			} else {
				set.add(http.StatusNotFound, element(name, ""))
			}
		}
	}
	return set.response(hrefOf(p, n.IsDir()))
}

func (h *Handler) propfind(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	n, err := h.tree.Lookup(user, segs)
	if err != nil {
		w.WriteHeader(statusOf("propfind", err))
		return
	}

	var body propfindBody
	ok, err := decodeBody(r.Body, &body)
	if err != nil {
		w.WriteHeader(bodyStatus(err))
		return
	}
	mode := allProp
	var names []xml.Name
	switch {
	case !ok || body.AllProp != nil:
	case body.PropName != nil:
		mode = propName
	case body.Prop != nil:
		mode = namedProps
		for _, p := range body.Prop.Props {
			names = append(names, p.XMLName)
		}
	}

	// Depth infinity is answered as depth 1.
	depth := 1
	if strings.TrimSpace(r.Header.Get("Depth")) == "0" {
		depth = 0
	}

	p := joinPath(segs)
	responses := []msResponse{h.describe(n, user, p, mode, names)}
	if depth == 1 && n.IsDir() {
		children, err := h.tree.ListChildren(user, n.ID)
		if err != nil {
			w.WriteHeader(statusOf("propfind children", err))
			return
		}
		for i := range children {
			c := &children[i]
			responses = append(responses, h.describe(c, user, joinPath(append(segs[:len(segs):len(segs)], c.Name)), mode, names))
		}
	}
	h.multistatus(w, responses)
}

func (h *Handler) multistatus(w *httpwire.Response, responses []msResponse) {
	var buf bytes.Buffer
	if err := writeMultistatus(&buf, responses); err != nil {
		w.WriteHeader(statusOf("encode multistatus", err))
		return
	}
	w.Header.Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(buf.Bytes())
	w.Compress()
}

// settableTime reports whether name is a modification time a client may set.
func settableTime(name xml.Name) bool {
	return (name.Space == davNS && name.Local == "getlastmodified") ||
		(name.Space == win32NS && name.Local == "Win32LastModifiedTime")
}

// proppatch applies the update atomically: a single refused property fails
// the rest with 424 and nothing changes.
func (h *Handler) proppatch(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	n, err := h.tree.Lookup(user, segs)
	if err != nil {
		w.WriteHeader(statusOf("proppatch", err))
		return
	}
	var update propertyUpdate
	ok, err := decodeBody(r.Body, &update)
	if err != nil {
		w.WriteHeader(bodyStatus(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	type result struct {
		name   xml.Name
		status int
	}
	var (
		results  []result
		modified time.Time
		failed   bool
	)
	for _, op := range update.Ops {
		if op.XMLName.Space != davNS || (op.XMLName.Local != "set" && op.XMLName.Local != "remove") {
			continue
		}
		for _, p := range op.Prop.Props {
			status := http.StatusForbidden
			if op.XMLName.Local == "set" && settableTime(p.XMLName) && !n.IsRoot() {
				if t, err := http.ParseTime(strings.TrimSpace(p.Inner)); err == nil {
					modified = t
					status = http.StatusOK
				} else {
					status = http.StatusConflict
				}
			}
			if status != http.StatusOK {
				failed = true
			}
			results = append(results, result{p.XMLName, status})
		}
	}

	if !failed && !modified.IsZero() {
		if err := h.tree.Touch(user, n.ID, modified); err != nil {
			w.WriteHeader(statusOf("proppatch", err))
			return
		}
	}
	var set propSet
	for _, res := range results {
		status := res.status
		if failed && status == http.StatusOK {
			status = http.StatusFailedDependency
		}
		set.add(status, element(res.name, ""))
	}
	h.multistatus(w, []msResponse{set.response(hrefOf(joinPath(segs), n.IsDir()))})
}
