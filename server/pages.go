package server

import (
	"context"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/skylens-analytics/skylens/util/fileutil"
)

const maskSuffix = "_mask"

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

type pageData struct {
	Title  string
	Active string
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.sessions.Session(w, r)

	heroImage := ""
	if samples, err := s.listSamples(); err == nil && len(samples) > 0 {
		heroImage = "/assets/samples/" + samples[0]
	}
	docsLink := ""
	if s.assetsDir != "" {
		if exists, err := fileutil.FileExists(fileutil.PathJoinSafe(s.assetsDir, "docs.pdf")); err == nil && exists {
			docsLink = "/assets/docs.pdf"
		}
	}

	s.render(w, "home.gohtml", struct {
		pageData
		ModelCount int
		HeroImage  string
		DocsLink   string
	}{
		pageData:   pageData{Title: "SkyLens", Active: "home"},
		ModelCount: len(s.session.Models()),
		HeroImage:  heroImage,
		DocsLink:   docsLink,
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Session(w, r)
	_, maskSource := session.Mask()

	samples, err := s.listSamples()
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not list sample images")
	}

	s.render(w, "predictions.gohtml", struct {
		pageData
		Samples    []string
		MaskSource string
		HasHeight  bool
	}{
		pageData:   pageData{Title: "Predictions", Active: "predictions"},
		Samples:    samples,
		MaskSource: maskSource,
		HasHeight:  s.height != nil,
	})
}

// imagePair is a sample tile next to its reference mask, shown on the Images
// and Masks page.
type imagePair struct {
	Name  string
	Image string
	Mask  string
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	s.sessions.Session(w, r)
	pairs, err := s.listPairs()
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not list image pairs")
	}

	selected := r.URL.Query().Get("pair")
	var current *imagePair
	for i := range pairs {
		if pairs[i].Name == selected {
			current = &pairs[i]
		}
	}
	if current == nil && len(pairs) > 0 {
		current = &pairs[0]
	}

	s.render(w, "pairs.gohtml", struct {
		pageData
		Pairs   []imagePair
		Current *imagePair
	}{
		pageData: pageData{Title: "Images and Masks", Active: "pairs"},
		Pairs:    pairs,
		Current:  current,
	})
}

// modelInsights is one model's static evaluation metrics plus a rendered
// bar chart.
type modelInsights struct {
	ID      string
	Metrics []metricValue
	Chart   template.HTML
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	s.sessions.Session(w, r)

	var insights []modelInsights
	for _, model := range s.session.Models() {
		if len(model.Metrics) == 0 {
			continue
		}
		metrics := sortedMetrics(model.Metrics)
		insights = append(insights, modelInsights{
			ID:      model.ID,
			Metrics: metrics,
			Chart:   template.HTML(metricsBarChart(metrics)),
		})
	}
	sort.Slice(insights, func(i, j int) bool { return insights[i].ID < insights[j].ID })

	s.render(w, "insights.gohtml", struct {
		pageData
		Models []modelInsights
		Stats  []string
	}{
		pageData: pageData{Title: "Model Insights", Active: "insights"},
		Models:   insights,
		Stats:    s.session.GetStats(),
	})
}

// teamMember mirrors one entry of team.json in the assets directory.
type teamMember struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Photo string `json:"photo"`
	Link  string `json:"link"`
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	s.sessions.Session(w, r)
	members, err := s.loadTeam()
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not load team roster")
	}
	s.render(w, "team.gohtml", struct {
		pageData
		Members []teamMember
	}{
		pageData: pageData{Title: "Meet the Team", Active: "team"},
		Members:  members,
	})
}

func (s *Server) loadTeam() ([]teamMember, error) {
	if s.assetsDir == "" {
		return nil, nil
	}
	rosterPath := fileutil.PathJoinSafe(s.assetsDir, "team.json")
	exists, err := fileutil.FileExists(rosterPath)
	if err != nil || !exists {
		return nil, err
	}
	b, err := fileutil.ReadFileBytes(rosterPath)
	if err != nil {
		return nil, err
	}
	var members []teamMember
	if err = jsoniter.Unmarshal(b, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// listSamples returns the image filenames under assets/samples.
func (s *Server) listSamples() ([]string, error) {
	return s.listImages("samples", func(string) bool { return true })
}

// listPairs matches sample tiles under assets/pairs with their reference
// masks, named <tile>_mask.png.
func (s *Server) listPairs() ([]imagePair, error) {
	names, err := s.listImages("pairs", func(base string) bool {
		return !strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), maskSuffix)
	})
	if err != nil {
		return nil, err
	}

	var pairs []imagePair
	for _, name := range names {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		maskName := stem + maskSuffix + ".png"
		exists, existsErr := fileutil.FileExists(fileutil.PathJoinSafe(s.assetsDir, "pairs", maskName))
		if existsErr != nil || !exists {
			continue
		}
		pairs = append(pairs, imagePair{
			Name:  stem,
			Image: "/assets/pairs/" + name,
			Mask:  "/assets/pairs/" + maskName,
		})
	}
	return pairs, nil
}

func (s *Server) listImages(subdir string, keep func(base string) bool) ([]string, error) {
	if s.assetsDir == "" {
		return nil, nil
	}
	dir := fileutil.PathJoinSafe(s.assetsDir, subdir)
	exists, err := fileutil.FileExists(dir)
	if err != nil || !exists {
		return nil, err
	}

	var names []string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if info.IsDir() || parent != "" {
			return true, nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(info.Name()))] && keep(info.Name()) {
			names = append(names, info.Name())
		}
		return true, nil
	}
	if err = fileutil.WalkDir()(context.Background(), dir, walker); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
