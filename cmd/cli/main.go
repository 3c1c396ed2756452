package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/berth/config"
	"github.com/cochaviz/berth/daemon"
	"github.com/cochaviz/berth/internal/logging"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel
	configPath := ""
	cfg := setup.Defaults()

	root := &cobra.Command{
		Use:           "berth",
		Short:         "CLI for 'berth': disposable SSH-reachable development containers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default "+setup.ConfigFile()+")")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}

		loaded, err := setup.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	}

	root.AddCommand(
		newProvisionCommand(logger, &cfg),
		newBuildCommand(logger, &cfg),
		newListCommand(logger, &cfg),
		newInspectCommand(logger, &cfg),
		newStartCommand(logger, &cfg),
		newStopCommand(logger, &cfg),
		newRemoveCommand(logger, &cfg),
		newKeyCommand(logger, &cfg),
		newRecipeCommand(logger, &cfg),
		newSetupCommand(logger, &cfg),
		newDaemonCommand(logger, &cfg),
	)
	return root
}

func verifySetup(logger *slog.Logger, cfg setup.Config) error {
	logger = logger.With("action", "verify_setup")
	if err := setup.Verify(cfg); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'berth setup' to initialize the state directories")
		return err
	}
	return nil
}

func newProvisionCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	var (
		image       string
		recipeFile  string
		savedRecipe string
		volumeSpecs []string
		envSpecs    []string
	)

	cmd := &cobra.Command{
		Use:   "provision <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Provision an SSH-reachable container from an image or recipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			cmdLogger := logger.With("command", "provision", "name", name)

			if err := verifySetup(cmdLogger, *cfg); err != nil {
				return err
			}

			recipeText, err := resolveRecipe(*cfg, recipeFile, savedRecipe)
			if err != nil {
				return err
			}

			volumes, err := parseVolumes(volumeSpecs)
			if err != nil {
				return err
			}
			env, err := parseEnv(envSpecs)
			if err != nil {
				return err
			}

			req := models.ProvisioningRequest{
				Name:    name,
				Image:   image,
				Recipe:  recipeText,
				Volumes: volumes,
				Env:     env,
			}

			cmdLogger.Info("provisioning container")
			descriptor, err := config.Provision(cmd.Context(), *cfg, req, func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}, cmdLogger)
			if err != nil {
				cmdLogger.Error("provisioning failed", "error", err)
				return err
			}

			printDescriptor(cmd, descriptor)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Base image to provision from")
	cmd.Flags().StringVar(&recipeFile, "recipe-file", "", "Path to a recipe (Dockerfile) to provision from")
	cmd.Flags().StringVar(&savedRecipe, "recipe", "", "Name of a saved recipe to provision from")
	cmd.Flags().StringArrayVar(&volumeSpecs, "volume", nil, "Volume to mount as <name>:<mount-path>; repeat to add more")
	cmd.Flags().StringArrayVar(&envSpecs, "env", nil, "Environment variable as KEY=VALUE; repeat to add more")

	return cmd
}

func newBuildCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	var (
		image       string
		recipeFile  string
		savedRecipe string
	)

	cmd := &cobra.Command{
		Use:   "build <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the image for a name without starting a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			cmdLogger := logger.With("command", "build", "name", name)

			if err := verifySetup(cmdLogger, *cfg); err != nil {
				return err
			}

			recipeText, err := resolveRecipe(*cfg, recipeFile, savedRecipe)
			if err != nil {
				return err
			}

			tag, err := config.Build(cmd.Context(), *cfg, models.ProvisioningRequest{
				Name:   name,
				Image:  image,
				Recipe: recipeText,
			}, func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}, cmdLogger)
			if err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "built", tag)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Base image to build from")
	cmd.Flags().StringVar(&recipeFile, "recipe-file", "", "Path to a recipe (Dockerfile) to build from")
	cmd.Flags().StringVar(&savedRecipe, "recipe", "", "Name of a saved recipe to build from")

	return cmd
}

func resolveRecipe(cfg setup.Config, recipeFile, savedRecipe string) (string, error) {
	switch {
	case recipeFile != "" && savedRecipe != "":
		return "", fmt.Errorf("--recipe-file and --recipe are mutually exclusive")
	case recipeFile != "":
		data, err := os.ReadFile(recipeFile)
		if err != nil {
			return "", fmt.Errorf("read recipe file: %w", err)
		}
		return string(data), nil
	case savedRecipe != "":
		stored, err := config.RecipeRepository(cfg).Get(savedRecipe)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", fmt.Errorf("no saved recipe named %q", savedRecipe)
		}
		return stored.Text, nil
	default:
		return "", nil
	}
}

func parseVolumes(specs []string) ([]models.VolumeMount, error) {
	var volumes []models.VolumeMount
	for _, spec := range specs {
		name, mountPath, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("volume %q must be <name>:<mount-path>", spec)
		}
		volumes = append(volumes, models.VolumeMount{Name: name, MountPath: mountPath})
	}
	return volumes, nil
}

func parseEnv(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(specs))
	for _, spec := range specs {
		key, value, ok := strings.Cut(spec, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("environment variable %q must be KEY=VALUE", spec)
		}
		env[key] = value
	}
	return env, nil
}

func printDescriptor(cmd *cobra.Command, descriptor models.ContainerDescriptor) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "name:\t%s\n", descriptor.Name)
	fmt.Fprintf(out, "id:\t%s\n", descriptor.ID)
	fmt.Fprintf(out, "state:\t%s\n", descriptor.State)
	if descriptor.SSHPort != nil {
		fmt.Fprintf(out, "port:\t%d\n", *descriptor.SSHPort)
	}
	if descriptor.SSHCommand != "" {
		fmt.Fprintf(out, "ssh:\t%s\n", descriptor.SSHCommand)
	}
}

func newListCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "list")

			descriptors, err := config.List(cmd.Context(), *cfg, cmdLogger)
			if err != nil {
				cmdLogger.Error("listing containers failed", "error", err)
				return err
			}

			out := cmd.OutOrStdout()
			if len(descriptors) == 0 {
				fmt.Fprintln(out, "no managed containers")
				return nil
			}
			for _, descriptor := range descriptors {
				port := "-"
				if descriptor.SSHPort != nil {
					port = fmt.Sprintf("%d", *descriptor.SSHPort)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", descriptor.Name, descriptor.State, port, descriptor.Image)
			}
			return nil
		},
	}
}

func newInspectCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show details of a managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "inspect")

			descriptor, err := config.Inspect(cmd.Context(), *cfg, strings.TrimSpace(args[0]), cmdLogger)
			if err != nil {
				return err
			}
			printDescriptor(cmd, descriptor)
			return nil
		},
	}
}

func newStartCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Start a stopped managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "start")
			if err := config.Start(cmd.Context(), *cfg, strings.TrimSpace(args[0]), cmdLogger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "started", args[0])
			return nil
		},
	}
}

func newStopCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop a managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "stop")
			if err := config.Stop(cmd.Context(), *cfg, strings.TrimSpace(args[0]), cmdLogger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", args[0])
			return nil
		},
	}
}

func newRemoveCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a managed container, its image and its keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "remove")
			if err := config.Remove(cmd.Context(), *cfg, strings.TrimSpace(args[0]), cmdLogger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
			return nil
		},
	}
}

func newKeyCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Access SSH keys of managed containers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the private key for a container name",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.PrivateKey(*cfg, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(key))
			return nil
		},
	})

	return cmd
}

func newRecipeCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Manage saved recipes",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "save <name> <file>",
			Args:  cobra.ExactArgs(2),
			Short: "Save a recipe file under a name",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read recipe file: %w", err)
				}
				saved, err := config.RecipeRepository(*cfg).Save(models.SavedRecipe{
					Name: strings.TrimSpace(args[0]),
					Text: string(data),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "saved", saved.Name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List saved recipes",
			RunE: func(cmd *cobra.Command, args []string) error {
				recipes, err := config.RecipeRepository(*cfg).ListAll()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recipes) == 0 {
					fmt.Fprintln(out, "no saved recipes")
					return nil
				}
				for _, recipe := range recipes {
					fmt.Fprintf(out, "%s\t%s\n", recipe.Name, recipe.CreatedAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Args:  cobra.ExactArgs(1),
			Short: "Delete a saved recipe",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.RecipeRepository(*cfg).Delete(strings.TrimSpace(args[0])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			},
		},
	)

	return cmd
}

func newSetupCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize the state directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			if clearConfig {
				if err := setup.ClearConfig(); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			if err := setup.Initialize(*cfg); err != nil {
				cmdLogger.Error("initialization failed", "error", err)
				return err
			}
			cmdLogger.Info("initialization completed")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the existing configuration file before initializing")

	return cmd
}

func newDaemonCommand(logger *slog.Logger, cfg *setup.Config) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		path := strings.TrimSpace(socketPath)
		if path != "" {
			return path
		}
		if cfg.SocketPath != "" {
			return cfg.SocketPath
		}
		return daemon.DefaultSocketPath
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the berth provisioning daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to daemon control socket")

	cmd.AddCommand(
		newDaemonServeCommand(logger, cfg, resolveSocket),
		newDaemonProvisionCommand(logger, resolveSocket),
		newDaemonListCommand(resolveSocket),
		newDaemonRemoveCommand(resolveSocket),
	)

	return cmd
}

func newDaemonServeCommand(logger *slog.Logger, cfg *setup.Config, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := verifySetup(logger, *cfg); err != nil {
				return err
			}

			service, closeEngine, err := config.NewService(*cfg, logger)
			if err != nil {
				return err
			}
			defer closeEngine()

			d := daemon.New(socketPath(), service, config.RecipeRepository(*cfg), logger)
			logger.Info("starting daemon", "socket", socketPath())
			if err := d.Start(ctx); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}

func newDaemonProvisionCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	var (
		image       string
		recipeFile  string
		volumeSpecs []string
		envSpecs    []string
	)

	cmd := &cobra.Command{
		Use:   "provision <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Request the daemon to provision a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipeText := ""
			if recipeFile != "" {
				data, err := os.ReadFile(recipeFile)
				if err != nil {
					return fmt.Errorf("read recipe file: %w", err)
				}
				recipeText = string(data)
			}

			volumes, err := parseVolumes(volumeSpecs)
			if err != nil {
				return err
			}
			env, err := parseEnv(envSpecs)
			if err != nil {
				return err
			}

			client := daemon.NewClient(socketPath())
			descriptor, err := client.Provision(models.ProvisioningRequest{
				Name:    strings.TrimSpace(args[0]),
				Image:   image,
				Recipe:  recipeText,
				Volumes: volumes,
				Env:     env,
			}, func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
			if err != nil {
				return err
			}

			logger.Info("container provisioned", "name", descriptor.Name)
			printDescriptor(cmd, descriptor)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Base image to provision from")
	cmd.Flags().StringVar(&recipeFile, "recipe-file", "", "Path to a recipe (Dockerfile) to provision from")
	cmd.Flags().StringArrayVar(&volumeSpecs, "volume", nil, "Volume to mount as <name>:<mount-path>; repeat to add more")
	cmd.Flags().StringArrayVar(&envSpecs, "env", nil, "Environment variable as KEY=VALUE; repeat to add more")

	return cmd
}

func newDaemonListCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List containers managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			descriptors, err := client.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(descriptors) == 0 {
				fmt.Fprintln(out, "no managed containers")
				return nil
			}
			for _, descriptor := range descriptors {
				port := "-"
				if descriptor.SSHPort != nil {
					port = fmt.Sprintf("%d", *descriptor.SSHPort)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", descriptor.Name, descriptor.State, port)
			}
			return nil
		},
	}
}

func newDaemonRemoveCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Request the daemon to remove a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			if err := client.Remove(strings.TrimSpace(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
			return nil
		},
	}
}
