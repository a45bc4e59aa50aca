package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
pipeline:
  concurrency: 5
  entry_timeout: "45s"
  checkpoint_enabled: true
  prompt_version: "v2"

rate_limiter:
  requests_per_period: 60
  period: "60s"
  burst: 10
  shards: 4
  adaptive: false

breaker:
  failure_threshold: 0.5
  min_throughput: 5
  window: "30s"
  break_duration: "1s"
  max_probes: 1
  duration_policy: "exponential"

cache:
  root: "/tmp/flashcards-cache"
  l1_max_entries: 5000
  l1_max_bytes: 1048576

llm:
  provider: "localai"
  endpoint: "http://localhost:11434"
  model: "llama2"
  timeout: "30s"
  temperature: 0.3
  max_tokens: 500

logging:
  level: "info"
  format: "json"

metrics:
  port: "9090"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Pipeline.Concurrency).To(Equal(5))
				Expect(config.Pipeline.EntryTimeout.Duration()).To(Equal(45 * time.Second))
				Expect(config.Pipeline.CheckpointEnabled).To(BeTrue())
				Expect(config.Pipeline.PromptVersion).To(Equal("v2"))

				Expect(config.RateLimiter.RequestsPerPeriod).To(Equal(60))
				Expect(config.RateLimiter.Period.Duration()).To(Equal(60 * time.Second))
				Expect(config.RateLimiter.Burst).To(Equal(10))
				Expect(config.RateLimiter.Shards).To(Equal(4))
				Expect(config.RateLimiter.Adaptive).To(BeFalse())

				Expect(config.Breaker.FailureThreshold).To(Equal(0.5))
				Expect(config.Breaker.MinThroughput).To(Equal(5))
				Expect(config.Breaker.Window.Duration()).To(Equal(30 * time.Second))
				Expect(config.Breaker.BreakDuration.Duration()).To(Equal(1 * time.Second))
				Expect(config.Breaker.MaxProbes).To(Equal(1))
				Expect(config.Breaker.DurationPolicy).To(Equal("exponential"))

				Expect(config.Cache.Root).To(Equal("/tmp/flashcards-cache"))
				Expect(config.Cache.L1MaxEntries).To(Equal(5000))
				Expect(config.Cache.L1MaxBytes).To(Equal(int64(1048576)))

				Expect(config.LLM.Endpoint).To(Equal("http://localhost:11434"))
				Expect(config.LLM.Model).To(Equal("llama2"))
				Expect(config.LLM.Timeout.Duration()).To(Equal(30 * time.Second))
				Expect(config.LLM.Provider).To(Equal("localai"))
				Expect(config.LLM.Temperature).To(Equal(float32(0.3)))
				Expect(config.LLM.MaxTokens).To(Equal(500))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))

				Expect(config.Metrics.Port).To(Equal("9090"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
llm:
  endpoint: "http://localhost:8080"
  model: "test-model"
  provider: "localai"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.LLM.Endpoint).To(Equal("http://localhost:8080"))
				Expect(config.LLM.Model).To(Equal("test-model"))

				Expect(config.Pipeline.Concurrency).To(Equal(5))
				Expect(config.RateLimiter.Shards).To(Equal(4))
				Expect(config.Breaker.MaxProbes).To(Equal(1))
				Expect(config.Cache.Root).To(Equal("./cache"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
pipeline:
  concurrency: [
llm:
  endpoint: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
llm:
  endpoint: "http://localhost:11434"
  model: "test"
  timeout: "invalid-duration"
  provider: "localai"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Pipeline: PipelineConfig{
					Concurrency:  5,
					EntryTimeout: Duration(30 * time.Second),
				},
				RateLimiter: RateLimiterConfig{
					RequestsPerPeriod: 60,
					Period:            Duration(60 * time.Second),
					Burst:             10,
					Shards:            4,
				},
				Breaker: BreakerConfig{
					FailureThreshold: 0.5,
					MinThroughput:    5,
					Window:           Duration(30 * time.Second),
					BreakDuration:    Duration(time.Second),
					MaxProbes:        1,
					DurationPolicy:   "exponential",
				},
				Cache: CacheConfig{
					Root:         "/tmp/cache",
					L1MaxEntries: 1000,
					L1MaxBytes:   1 << 20,
				},
				LLM: LLMConfig{
					Endpoint:    "http://localhost:11434",
					Model:       "llama2",
					Timeout:     Duration(30 * time.Second),
					Provider:    "localai",
					Temperature: 0.3,
					MaxTokens:   500,
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
				},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when LLM provider is invalid", func() {
			BeforeEach(func() {
				config.LLM.Provider = "invalid"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported LLM provider"))
			})
		})

		Context("when LLM endpoint is missing", func() {
			BeforeEach(func() {
				config.LLM.Endpoint = ""
			})

			It("should set default endpoint", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.LLM.Endpoint).To(Equal("http://localhost:8080"))
			})
		})

		Context("when LLM model is missing", func() {
			BeforeEach(func() {
				config.LLM.Model = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("LLM model is required for localai provider"))
			})
		})

		Context("when LLM temperature is out of range", func() {
			BeforeEach(func() {
				config.LLM.Temperature = 1.5
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("LLM temperature must be between 0.0 and 1.0"))
			})
		})

		Context("when LLM max tokens is invalid", func() {
			BeforeEach(func() {
				config.LLM.MaxTokens = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("LLM max tokens must be greater than 0"))
			})
		})

		Context("when cache root is empty", func() {
			BeforeEach(func() {
				config.Cache.Root = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("cache root is required"))
			})
		})

		Context("when pipeline concurrency is invalid", func() {
			BeforeEach(func() {
				config.Pipeline.Concurrency = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("pipeline concurrency must be greater than 0"))
			})
		})

		Context("when pipeline concurrency is negative", func() {
			BeforeEach(func() {
				config.Pipeline.Concurrency = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("pipeline concurrency must be greater than 0"))
			})
		})

		Context("when breaker duration policy is unsupported", func() {
			BeforeEach(func() {
				config.Breaker.DurationPolicy = "linear"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported breaker duration policy"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("LLM_ENDPOINT", "http://test:8080")
				os.Setenv("LLM_MODEL", "test-model")
				os.Setenv("LLM_PROVIDER", "localai")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("PIPELINE_CONCURRENCY", "8")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.LLM.Endpoint).To(Equal("http://test:8080"))
				Expect(config.LLM.Model).To(Equal("test-model"))
				Expect(config.LLM.Provider).To(Equal("localai"))
				Expect(config.Metrics.Port).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Pipeline.Concurrency).To(Equal(8))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})

		Context("when PIPELINE_CONCURRENCY is not a number", func() {
			BeforeEach(func() {
				os.Setenv("PIPELINE_CONCURRENCY", "not-a-number")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should return an error", func() {
				err := loadFromEnv(config)
				Expect(err).To(HaveOccurred())
			})
		})
	})
})
