package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/campus-scheduler/internal/application"
)

type sessionView struct {
	Email       string              `json:"email"`
	Provisional bool                `json:"provisional,omitempty"`
	Demo        bool                `json:"demo,omitempty"`
	Profile     application.Profile `json:"profile"`
}

func newSessionView(session application.Session) sessionView {
	return sessionView{
		Email:       session.Email,
		Provisional: session.Provisional,
		Demo:        session.Profile.IsDemo,
		Profile:     session.Profile,
	}
}

func (c *cli) newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <email> <password>",
		Short: "Sign in with a demo or registered account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				result, err := env.sessions.Login(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return c.writeJSON(newSessionView(result.Session))
			})
		},
	}
}

func (c *cli) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the cached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				if err := env.sessions.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.stdout, "signed out")
				return nil
			})
		},
	}
}

func (c *cli) newRegisterCmd() *cobra.Command {
	var (
		params application.RegisterParams
		role   string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Role = application.Role(role)
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				session, err := env.sessions.Register(ctx, params)
				if err != nil {
					return err
				}
				return c.writeJSON(newSessionView(session))
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&params.Email, "email", "", "account email")
	flags.StringVar(&params.Password, "password", "", "account password (at least 6 characters)")
	flags.StringVar(&params.FirstName, "first-name", "", "first name")
	flags.StringVar(&params.LastName, "last-name", "", "last name")
	flags.StringVar(&role, "role", string(application.RoleStudent), "student, faculty or admin")
	flags.StringVar(&params.Department, "department", "", "department (student and faculty)")
	flags.StringVar(&params.Semester, "semester", "", "semester (student)")
	flags.StringVar(&params.Section, "section", "", "section (student)")
	flags.StringVar(&params.FacultyID, "faculty-id", "", "faculty id (faculty)")
	return cmd
}

func (c *cli) newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				session, ok := env.sessions.CurrentSession()
				if !ok {
					return application.ErrUnauthenticated
				}
				return c.writeJSON(newSessionView(session))
			})
		},
	}
}

func (c *cli) newResetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Request a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				if err := env.sessions.ResetPassword(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "reset instructions sent to %s\n", args[0])
				return nil
			})
		},
	}
}
