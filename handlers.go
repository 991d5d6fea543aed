package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/kv/memberlist"

	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/ring"
)

//go:embed templates/index.gohtml
var indexPageHTML string

// landingPage collects the link groups rendered on the root page.
// Groups are sorted by weight, then by description.
type landingPage struct {
	mu     sync.Mutex
	groups []pageLinkGroup
}

type pageLinkGroup struct {
	weight int
	Desc   string
	Links  []pageLink
}

type pageLink struct {
	Desc string
	Path string
}

// Group weights, lowest renders first.
const (
	certificateWeight = iota
	metricsWeight
	defaultWeight
	ringWeight
	memberlistWeight
)

func newLandingPage() *landingPage {
	return &landingPage{}
}

func (p *landingPage) AddLinks(weight int, groupDesc string, links []pageLink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.groups = append(p.groups, pageLinkGroup{weight: weight, Desc: groupDesc, Links: links})
}

func (p *landingPage) sortedGroups() []pageLinkGroup {
	p.mu.Lock()
	groups := append([]pageLinkGroup(nil), p.groups...)
	p.mu.Unlock()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].weight != groups[j].weight {
			return groups[i].weight < groups[j].weight
		}
		return groups[i].Desc < groups[j].Desc
	})

	return groups
}

func indexHandler(httpPathPrefix string, page *landingPage) http.HandlerFunc {
	templ := template.New("main")
	templ.Funcs(map[string]interface{}{
		"AddPathPrefix": func(link string) string {
			return path.Join(httpPathPrefix, link)
		},
	})
	template.Must(templ.Parse(indexPageHTML))

	return func(w http.ResponseWriter, _ *http.Request) {
		data := struct {
			LinkGroups []pageLinkGroup
		}{LinkGroups: page.sortedGroups()}

		if err := templ.Execute(w, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

//go:embed templates/memberlist_status.gohtml
var memberlistStatusPageHTML string

func memberlistStatusHandler(httpPathPrefix string, kvs *memberlist.KVInitService) http.Handler {
	templ := template.New("memberlist_status")
	templ.Funcs(map[string]interface{}{
		"AddPathPrefix": func(link string) string { return path.Join(httpPathPrefix, link) },
		"StringsJoin":   strings.Join,
	})
	template.Must(templ.Parse(memberlistStatusPageHTML))
	return memberlist.NewHTTPStatusHandler(kvs, templ)
}

func leaderHandler(w http.ResponseWriter, _ *http.Request) {
	name, _ := ring.GetLeader(sfStore.RingConfig)
	_, _ = io.WriteString(w, fmt.Sprintf("{\"name\":\"%s\"}", name))
}

//go:embed templates/certificate.gohtml
var certificatePageHTML string

// certificateHandler serves the recorded certificate requests, as JSON when
// the client asks for it and as an HTML table otherwise.
func certificateHandler(w http.ResponseWriter, r *http.Request) {
	data, err := sfStore.GetKVRing()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	templ := template.New("main")
	templ.Funcs(map[string]interface{}{
		"AddPathPrefix": func(link string) string {
			return path.Join("", link)
		},
		"Split": func(s string, d string) []string {
			return strings.Split(s, d)
		},
	})
	template.Must(templ.Parse(certificatePageHTML))

	v := struct {
		Now          time.Time
		Certificates []models.CertificateRequest
	}{
		Now:          time.Now(),
		Certificates: data,
	}

	if err := templ.Execute(w, v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
