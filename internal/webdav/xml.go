package webdav

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	davNS   = "DAV:"
	win32NS = "urn:schemas-microsoft-com:"
)

// anyProp is one property element of a request body.
type anyProp struct {
	XMLName xml.Name
	Inner   string `xml:",innerxml"`
}

type propList struct {
	Props []anyProp `xml:",any"`
}

type propfindBody struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	AllProp  *struct{} `xml:"DAV: allprop"`
	PropName *struct{} `xml:"DAV: propname"`
	Prop     *propList `xml:"DAV: prop"`
}

// propOp is a <set> or <remove> of a propertyupdate, kept in document order.
type propOp struct {
	XMLName xml.Name
	Prop    propList `xml:"DAV: prop"`
}

type propertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Ops     []propOp `xml:",any"`
}

type innerXML struct {
	Inner string `xml:",innerxml"`
}

type lockScope struct {
	Exclusive *struct{} `xml:"DAV: exclusive"`
	Shared    *struct{} `xml:"DAV: shared"`
}

type lockInfo struct {
	XMLName xml.Name  `xml:"DAV: lockinfo"`
	Scope   lockScope `xml:"DAV: lockscope"`
	Owner   *ownerXML `xml:"DAV: owner"`
}

// xmlNS is what the decoder resolves the reserved xml: prefix to.
const xmlNS = "http://www.w3.org/XML/1998/namespace"

// ownerXML holds the content of a lock's <owner> element re-rendered so it
// stands on its own: DAV: elements use the D: prefix and every other
// namespace is declared on the element that uses it. The raw innerxml would
// keep prefixes bound only on ancestors in the request document.
type ownerXML struct {
	Inner string
}

func (o *ownerXML) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var (
		b     strings.Builder
		stack []string
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			tag := t.Name.Local
			if t.Name.Space == davNS {
				tag = "D:" + tag
				b.WriteString("<" + tag)
			} else {
				b.WriteString("<" + tag + ` xmlns="` + escape(t.Name.Space) + `"`)
			}
			n := 0
			for _, a := range t.Attr {
				switch {
				case a.Name.Space == "xmlns", a.Name.Space == "" && a.Name.Local == "xmlns":
				case a.Name.Space == "":
					fmt.Fprintf(&b, ` %s="%s"`, a.Name.Local, escape(a.Value))
				case a.Name.Space == xmlNS:
					fmt.Fprintf(&b, ` xml:%s="%s"`, a.Name.Local, escape(a.Value))
				default:
					n++
					fmt.Fprintf(&b, ` xmlns:a%d="%s" a%d:%s="%s"`,
						n, escape(a.Name.Space), n, a.Name.Local, escape(a.Value))
				}
			}
			b.WriteString(">")
			stack = append(stack, tag)
		case xml.EndElement:
			if len(stack) == 0 {
				o.Inner = b.String()
				return nil
			}
			b.WriteString("</" + stack[len(stack)-1] + ">")
			stack = stack[:len(stack)-1]
		case xml.CharData:
			b.WriteString(escape(string(t)))
		}
	}
}

// maxXMLBody caps the XML bodies of PROPFIND, PROPPATCH and LOCK.
const maxXMLBody = 1 << 20

var errBodyTooLarge = errors.New("webdav: xml body too large")

// bodyStatus maps a decodeBody error to a response status.
func bodyStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// decodeBody unmarshals an XML request body. ok is false when the body is
// empty. Bodies past maxXMLBody fail with errBodyTooLarge.
func decodeBody(r io.Reader, v any) (ok bool, err error) {
	b, err := io.ReadAll(io.LimitReader(r, maxXMLBody+1))
	if err != nil {
		return false, err
	}
	if len(b) > maxXMLBody {
		return false, errBodyTooLarge
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return false, nil
	}
	if err := xml.Unmarshal(b, v); err != nil {
		return false, err
	}
	return true, nil
}

// Response side. Element names carry the D: prefix literally and the root
// declares it.

type multistatus struct {
	XMLName   xml.Name     `xml:"D:multistatus"`
	NS        string       `xml:"xmlns:D,attr"`
	Responses []msResponse `xml:"D:response"`
}

type msResponse struct {
	Href      string     `xml:"D:href"`
	Propstats []propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   innerXML `xml:"D:prop"`
	Status string   `xml:"D:status"`
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// propSet groups rendered property elements by status.
type propSet struct {
	order []int
	props map[int]*strings.Builder
}

func (s *propSet) add(status int, element string) {
	if s.props == nil {
		s.props = make(map[int]*strings.Builder)
	}
	b, ok := s.props[status]
	if !ok {
		b = &strings.Builder{}
		s.props[status] = b
		s.order = append(s.order, status)
	}
	b.WriteString(element)
}

func (s *propSet) response(href string) msResponse {
	r := msResponse{Href: href}
	for _, st := range s.order {
		r.Propstats = append(r.Propstats, propstat{
			Prop:   innerXML{Inner: s.props[st].String()},
			Status: statusLine(st),
		})
	}
	return r
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// element renders a property element. DAV: properties use the D: prefix;
// any other namespace is declared inline.
func element(name xml.Name, inner string) string {
	tag := "D:" + name.Local
	open := tag
	if name.Space != davNS {
		tag = name.Local
		open = fmt.Sprintf(`%s xmlns="%s"`, name.Local, escape(name.Space))
	}
	if inner == "" {
		return "<" + open + "/>"
	}
	return "<" + open + ">" + inner + "</" + tag + ">"
}

func writeMultistatus(w io.Writer, responses []msResponse) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(multistatus{NS: davNS, Responses: responses})
}

func activeLockXML(l Lock, now time.Time) string {
	scope := "<D:shared/>"
	if l.Exclusive {
		scope = "<D:exclusive/>"
	}
	var b strings.Builder
	b.WriteString("<D:activelock>")
	b.WriteString("<D:locktype><D:write/></D:locktype>")
	b.WriteString("<D:lockscope>" + scope + "</D:lockscope>")
	b.WriteString("<D:depth>" + escape(l.Depth) + "</D:depth>")
	if l.Owner != "" {
		b.WriteString("<D:owner>" + l.Owner + "</D:owner>")
	}
	secs := int(l.Expires.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	fmt.Fprintf(&b, "<D:timeout>Second-%d</D:timeout>", secs)
	b.WriteString("<D:locktoken><D:href>" + escape(l.Token) + "</D:href></D:locktoken>")
	b.WriteString("<D:lockroot><D:href>" + escape(hrefOf(l.Path, false)) + "</D:href></D:lockroot>")
	b.WriteString("</D:activelock>")
	return b.String()
}

const supportedLockXML = "<D:lockentry><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>" +
	"<D:lockentry><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>"
