package template

// builtins holds the templates compiled into the binary.
var builtins = map[string]*Manifest{
	"blank":      blankTemplate,
	"vite-react": viteReactTemplate,
}

var blankTemplate = &Manifest{
	Name:        "blank",
	Description: "Empty workspace",
	Files:       []File{},
}

var viteReactTemplate = &Manifest{
	Name:        "vite-react",
	Description: "React + TypeScript starter built with Vite",
	Files: []File{
		{
			Path: "package.json",
			Content: `{
  "name": "studio-app",
  "private": true,
  "version": "0.0.0",
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "tsc -b && vite build",
    "preview": "vite preview"
  },
  "dependencies": {
    "react": "^18.3.1",
    "react-dom": "^18.3.1"
  },
  "devDependencies": {
    "@types/react": "^18.3.3",
    "@types/react-dom": "^18.3.0",
    "@vitejs/plugin-react": "^4.3.1",
    "typescript": "^5.5.3",
    "vite": "^5.4.1"
  }
}
`,
		},
		{
			Path: "index.html",
			Content: `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Studio App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`,
		},
		{
			Path: "vite.config.ts",
			Content: `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: true,
  },
})
`,
		},
		{
			Path: "tsconfig.json",
			Content: `{
  "compilerOptions": {
    "target": "ES2020",
    "useDefineForClassFields": true,
    "lib": ["ES2020", "DOM", "DOM.Iterable"],
    "module": "ESNext",
    "moduleResolution": "bundler",
    "jsx": "react-jsx",
    "strict": true,
    "noEmit": true
  },
  "include": ["src"]
}
`,
		},
		{
			Path: "src/main.tsx",
			Content: `import { StrictMode } from 'react'
import { createRoot } from 'react-dom/client'
import App from './App'
import './index.css'

createRoot(document.getElementById('root')!).render(
  <StrictMode>
    <App />
  </StrictMode>,
)
`,
		},
		{
			Path: "src/App.tsx",
			Content: `function App() {
  return (
    <div className="app">
      <h1>Studio App</h1>
      <p>Edit <code>src/App.tsx</code> to get started.</p>
    </div>
  )
}

export default App
`,
		},
		{
			Path: "src/index.css",
			Content: `:root {
  font-family: system-ui, sans-serif;
  color-scheme: light dark;
}

body {
  margin: 0;
  display: flex;
  place-items: center;
  min-height: 100vh;
}

.app {
  margin: 0 auto;
  padding: 2rem;
  text-align: center;
}
`,
		},
	},
}
