// Package api provides HTTP handlers for the clusterstats job server.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/cache"
	"github.com/atlasmap-sc/clusterstats/internal/output"
	"github.com/atlasmap-sc/clusterstats/internal/runstore"
)

const (
	defaultResultLimit = 100
	maxResultLimit     = 5000
)

var validate = validator.New()

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", datasetsHandler(cfg.Registry))
		r.Get("/datasets/{dataset}/clusters", clustersHandler(cfg.Registry))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobSubmitHandler(cfg.Registry, cfg.JobManager))
			r.Get("/", jobListHandler(cfg.Registry, cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager, cfg.Cache))
			r.Get("/{job_id}/tables/{kind}", jobTableHandler(cfg.Registry, cfg.JobManager, cfg.Cache))
			r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager, cfg.Cache))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
		})
	}
}

// clustersHandler lists the cluster labels of a dataset with cell counts.
func clustersHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := chi.URLParam(r, "dataset")
		if registry.Get(datasetID) == nil {
			http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
			return
		}

		clusters, err := registry.Service().Clusters(datasetID)
		if err != nil {
			writeDataError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dataset":  datasetID,
			"clusters": clusters,
		})
	}
}

// writeDataError maps input table errors to HTTP statuses.
func writeDataError(w http.ResponseWriter, err error) {
	var cfgErr *aggerr.ConfigError
	var schemaErr *aggerr.SchemaError
	switch {
	case errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &schemaErr):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type jobSubmitRequest struct {
	Dataset   string   `json:"dataset"`
	Clusters  []string `json:"clusters" validate:"omitempty,unique,dive,required"`
	Threshold *float64 `json:"threshold" validate:"omitempty,gte=0"`
	Precision *int     `json:"precision" validate:"omitempty,gte=0,lte=15"`
}

func jobSubmitHandler(registry *DatasetRegistry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}

		if req.Dataset == "" {
			req.Dataset = registry.DefaultDatasetID()
		}
		if registry.Get(req.Dataset) == nil {
			http.Error(w, "dataset not found: "+req.Dataset, http.StatusNotFound)
			return
		}

		if len(req.Clusters) > 0 {
			known, err := registry.Service().Clusters(req.Dataset)
			if err != nil {
				writeDataError(w, err)
				return
			}
			have := make(map[string]struct{}, len(known))
			for _, c := range known {
				have[c.Cluster] = struct{}{}
			}
			var unknown []string
			for _, c := range req.Clusters {
				if _, ok := have[c]; !ok {
					unknown = append(unknown, c)
				}
			}
			if len(unknown) > 0 {
				http.Error(w, "unknown clusters: "+strings.Join(unknown, ", "), http.StatusBadRequest)
				return
			}
		}

		job, err := jm.Submit(runstore.JobParams{
			DatasetID: req.Dataset,
			Clusters:  req.Clusters,
			Threshold: req.Threshold,
			Precision: req.Precision,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(registry *DatasetRegistry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := r.URL.Query().Get("dataset")
		if datasetID == "" {
			datasetID = registry.DefaultDatasetID()
		}
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*runstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dataset": datasetID,
			"jobs":    jobs,
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// completedJob loads a job and checks that its results are available.
func completedJob(w http.ResponseWriter, r *http.Request, jm *JobManager) *runstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if job.Status != runstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return nil
	}
	return job
}

func jobResultHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := completedJob(w, r, jm)
		if job == nil {
			return
		}

		query := r.URL.Query()
		cluster := query.Get("cluster")
		if cluster == "" {
			clusters, err := jm.Store().ClusterNames(job.ID)
			if err != nil {
				http.Error(w, "failed to list clusters: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":   job.ID,
				"genes":    job.Genes,
				"clusters": clusters,
				"skipped":  job.Skipped,
			})
			return
		}

		offset := 0
		limit := defaultResultLimit
		if s := query.Get("offset"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v >= 0 {
				offset = v
			}
		}
		if s := query.Get("limit"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				limit = min(v, maxResultLimit)
			}
		}

		key := cache.ResultKey(job.ID, cluster, offset, limit)
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.Write(data)
				return
			}
		}

		items, total, err := jm.Store().QueryCluster(job.ID, cluster, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if total == 0 {
			http.Error(w, "cluster not found in job results: "+cluster, http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(map[string]interface{}{
			"job_id":  job.ID,
			"cluster": cluster,
			"total":   total,
			"offset":  offset,
			"limit":   limit,
			"items":   items,
		})
		if cm != nil {
			cm.SetQuery(key, buf.Bytes())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "MISS")
		w.Write(buf.Bytes())
	}
}

func jobTableHandler(registry *DatasetRegistry, jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		if kind != "mean" && kind != "percent" {
			http.Error(w, "table kind must be mean or percent", http.StatusBadRequest)
			return
		}
		job := completedJob(w, r, jm)
		if job == nil {
			return
		}

		key := cache.TableKey(job.ID, kind)
		if cm != nil {
			if data, ok := cm.GetTable(key); ok {
				w.Header().Set("Content-Type", "text/tab-separated-values")
				w.Header().Set("X-Cache", "HIT")
				w.Write(data)
				return
			}
		}

		genes, err := jm.Store().Genes(job.ID)
		if err != nil {
			http.Error(w, "failed to load genes: "+err.Error(), http.StatusInternalServerError)
			return
		}
		stored, err := jm.Store().ClusterRows(job.ID)
		if err != nil {
			http.Error(w, "failed to load results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		rows := make([]output.Row, len(stored))
		for i, s := range stored {
			rows[i] = output.Row{Cluster: s.Cluster, Values: s.Mean}
			if kind == "percent" {
				rows[i].Values = s.Percent
			}
		}

		var buf bytes.Buffer
		label := registry.Service().Config().Output.HeaderLabel
		if err := output.WriteTable(&buf, label, genes, rows); err != nil {
			http.Error(w, "failed to render table: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			if err := cm.SetTable(key, buf.Bytes()); err != nil {
				log.Printf("[api] table %s not cached: %v", key, err)
			}
		}
		w.Header().Set("Content-Type", "text/tab-separated-values")
		w.Header().Set("X-Cache", "MISS")
		w.Write(buf.Bytes())
	}
}

func jobDeleteHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if !job.Status.Finished() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    jobID,
				"cancelled": jm.Cancel(jobID),
			})
			return
		}

		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.InvalidateJob(jobID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}
